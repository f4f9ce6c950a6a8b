// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"studymate-go/internal/config"
	"studymate-go/pkg/log"
	"studymate-go/pkg/tasks"
)

// TaskProcessor 处理一个入库任务，解耦消费者与具体的入库实现。
// 任务重试次数用尽时调用 Abandon 收尾。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
	Abandon(ctx context.Context, task tasks.IngestTask, cause error)
}

// AttemptTracker 记录同一任务的失败次数。
type AttemptTracker interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttemptTracker 使用 Redis 计数，计数 24 小时后过期。
func NewRedisAttemptTracker(rdb *redis.Client) AttemptTracker {
	return &redisAttempts{rdb: rdb}
}

func attemptsKey(storageKey string) string {
	return fmt.Sprintf("kafka:attempts:%s", storageKey)
}

func (a *redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.Incr(ctx, attemptsKey(key)).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, attemptsKey(key), 24*time.Hour).Err()
	return n, nil
}

func (a *redisAttempts) Reset(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, attemptsKey(key)).Err()
}

type memoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryAttemptTracker 在进程内计数，未配置 Redis 时使用，重启后计数清零。
func NewMemoryAttemptTracker() AttemptTracker {
	return &memoryAttempts{counts: make(map[string]int64)}
}

func (a *memoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[key]++
	return a.counts[key], nil
}

func (a *memoryAttempts) Reset(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, key)
	return nil
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Enabled 表示是否配置了 Kafka。
func Enabled(cfg config.KafkaConfig) bool {
	return len(brokers(cfg)) > 0
}

// Producer 发送入库任务。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{w: w}
}

// ProduceIngestTask 发送一个入库任务到 Kafka，以 StorageKey 作为消息 key。
func (p *Producer) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.StorageKey),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.w.Close()
}

// handleMessage 处理一条消息并决定是否提交 offset。
// 失败次数未达上限时不提交，让 Kafka 重新投递；Redis 异常时同样不提交。
func handleMessage(ctx context.Context, value []byte, processor TaskProcessor, tracker AttemptTracker, maxAttempts int) bool {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		// 消息格式错误，直接提交，避免阻塞队列
		return true
	}

	log.Infof("开始处理入库任务: StorageKey=%s, FileName=%s", task.StorageKey, task.OriginalName)
	if err := processor.Process(ctx, task); err != nil {
		log.Errorf("处理入库任务失败: StorageKey=%s, Error: %v", task.StorageKey, err)
		if ctx.Err() != nil {
			return false
		}
		attempts, incErr := tracker.Incr(ctx, task.StorageKey)
		if incErr != nil {
			return false
		}
		if attempts >= int64(maxAttempts) {
			log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: StorageKey=%s", maxAttempts, task.StorageKey)
			processor.Abandon(ctx, task, err)
			_ = tracker.Reset(ctx, task.StorageKey)
			return true
		}
		return false
	}

	log.Infof("入库任务处理成功: StorageKey=%s", task.StorageKey)
	_ = tracker.Reset(ctx, task.StorageKey)
	return true
}

// StartConsumer 启动一个 Kafka 消费者，阻塞直到 ctx 取消。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, tracker AttemptTracker) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		if handleMessage(ctx, m.Value, processor, tracker, maxAttempts) {
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}
