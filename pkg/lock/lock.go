// Package lock 提供按 key 加锁的互斥工具，入库流程用它避免同一文件被并发处理。
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLocked 表示 key 已被其他持有者锁定。
var ErrLocked = errors.New("lock is held by another worker")

// Locker 尝试获取锁，成功时返回释放函数。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// releaseScript 仅当值仍是自己的 token 时才删除，避免误删他人在 TTL 过期后获得的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker 基于 Redis SETNX 的分布式锁。
func NewRedisLocker(rdb *redis.Client, prefix string) Locker {
	return &redisLocker{rdb: rdb, prefix: prefix}
}

func (l *redisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		_ = releaseScript.Run(context.Background(), l.rdb, []string{full}, token).Err()
	}, nil
}

type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker 进程内的锁，用于未配置 Redis 的单机部署。TTL 被忽略。
func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]struct{})}
}

func (l *localLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
