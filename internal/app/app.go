// Package app 负责把配置、基础设施与各层组件装配成可运行的服务。
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"studymate-go/internal/config"
	"studymate-go/internal/pipeline"
	"studymate-go/internal/repository"
	"studymate-go/internal/service"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/database"
	"studymate-go/pkg/embedding"
	"studymate-go/pkg/es"
	"studymate-go/pkg/kafka"
	"studymate-go/pkg/llm"
	"studymate-go/pkg/lock"
	"studymate-go/pkg/log"
	"studymate-go/pkg/storage"
	"studymate-go/pkg/tika"
	"studymate-go/pkg/token"
)

// App 持有装配完成的组件，供 HTTP 服务与命令行工具共用。
type App struct {
	Cfg config.Config

	DB    *gorm.DB
	RDB   *redis.Client
	Store storage.ObjectStore
	Index vectorindex.VectorIndex

	Users         repository.UserRepository
	Subjects      repository.SubjectRepository
	Documents     repository.DocumentRepository
	Conversations repository.ConversationRepository

	JWT       *token.JWTManager
	Embedder  embedding.Client
	LLM       llm.Client
	Locker    lock.Locker
	Ingestor  *pipeline.Ingestor
	Processor *pipeline.Processor

	Scope        service.ScopeService
	Search       service.SearchService
	Conversation service.ConversationService
	Chat         service.ChatService
	Document     service.DocumentService
	Admin        service.AdminService
	IndexAdmin   service.IndexService

	producer *kafka.Producer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 按配置初始化所有依赖。Redis 地址为空时使用进程内锁，Kafka 未配置时同步入库。
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.closeClients()
		}
	}()

	// 1. 关系库
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := repository.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	// 2. Redis（可选）
	if cfg.Database.Redis.Addr != "" {
		rdb, err := database.OpenRedis(ctx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.RDB = rdb
		a.Locker = lock.NewRedisLocker(rdb, "studymate:lock:")
		log.Info("Redis client connected successfully")
	} else {
		a.Locker = lock.NewLocalLocker()
		log.Warnf("未配置 Redis, 使用进程内锁")
	}

	// 3. 对象存储
	if a.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	// 4. 模型客户端
	if a.Embedder, err = embedding.NewClient(ctx, cfg.Embedding); err != nil {
		return nil, err
	}
	if a.LLM, err = llm.NewClient(ctx, cfg.LLM); err != nil {
		return nil, err
	}

	// 5. 向量索引
	if a.Index, err = a.openIndex(ctx); err != nil {
		return nil, err
	}

	// 6. Repository
	a.Users = repository.NewUserRepository(db)
	a.Subjects = repository.NewSubjectRepository(db)
	a.Documents = repository.NewDocumentRepository(db)
	a.Conversations = repository.NewConversationRepository(db)

	// 7. Service（依赖注入）
	a.JWT = token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	a.Ingestor = pipeline.NewIngestor(tika.NewClient(cfg.Tika), a.Embedder, a.Documents, a.Index, a.Locker, cfg.Ingest, cfg.Embedding)
	a.Processor = pipeline.NewProcessor(a.Store, a.Ingestor)

	var queue service.TaskQueue
	if kafka.Enabled(cfg.Kafka) {
		a.producer = kafka.NewProducer(cfg.Kafka)
		queue = a.producer
	}

	a.Scope = service.NewScopeService(a.Documents, a.Subjects)
	a.Search = service.NewSearchService(a.Embedder, a.Index, a.Documents, a.Scope, cfg.RAG)
	a.Conversation = service.NewConversationService(a.Conversations)
	a.Chat = service.NewChatService(a.Scope, a.Search, service.NewPromptComposer(cfg.LLM.Prompt), a.LLM, a.Conversation, a.Conversations, cfg.RAG, cfg.LLM.Prompt)
	a.Document = service.NewDocumentService(a.Documents, a.Subjects, a.Scope, a.Index, a.Store, a.Ingestor, queue, cfg.Ingest)
	a.Admin = service.NewAdminService(a.Subjects, a.Users)
	a.IndexAdmin = service.NewIndexService(a.Documents, a.Index, a.Embedder, a.Locker, cfg.Embedding.BatchSize)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "", "minio":
		s, err := storage.InitMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := storage.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local store %s: %w", cfg.Storage.LocalDir, err)
		}
		log.Infof("使用本地对象存储: %s", cfg.Storage.LocalDir)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func (a *App) openIndex(ctx context.Context) (vectorindex.VectorIndex, error) {
	model, dims := a.Embedder.ModelName(), a.Embedder.Dimensions()
	switch a.Cfg.VectorIndex.Backend {
	case "", "memory":
		var snapshots storage.ObjectStore
		if a.Cfg.VectorIndex.Persist {
			snapshots = a.Store
		}
		return vectorindex.NewRegistry(model, dims, snapshots), nil
	case "elasticsearch":
		client, err := es.NewClient(a.Cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		index, err := vectorindex.NewElasticIndex(ctx, client, a.Cfg.Elasticsearch.IndexName, model, dims)
		if err != nil {
			return nil, fmt.Errorf("open elasticsearch index: %w", err)
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unsupported vector index backend %q", a.Cfg.VectorIndex.Backend)
	}
}

// RestoreIndex 加载索引快照，重建不可用的分区，并与关系库对账。
func (a *App) RestoreIndex(ctx context.Context) error {
	needsRebuild := map[string]error{}
	if reg, ok := a.Index.(*vectorindex.Registry); ok {
		report, err := reg.Load(ctx)
		if err != nil {
			return err
		}
		log.Infof("[App] 已加载 %d 个索引分区快照", len(report.Loaded))
		needsRebuild = report.NeedsRebuild
	}
	report, err := a.IndexAdmin.Recover(ctx, needsRebuild)
	if err != nil {
		return fmt.Errorf("recover vector index: %w", err)
	}
	if len(report.Reindexed) > 0 || len(report.Removed) > 0 {
		log.Infof("[App] 索引对账完成, 重建文档 %d 个, 移除孤儿文档 %d 个", len(report.Reindexed), len(report.Removed))
	}
	return nil
}

// Start 恢复索引并启动后台任务：定期落盘与 Kafka 消费者。
func (a *App) Start(ctx context.Context) error {
	if err := a.RestoreIndex(ctx); err != nil {
		return err
	}
	if reg, ok := a.Index.(*vectorindex.Registry); ok {
		reg.StartAutoFlush(a.Cfg.VectorIndex.FlushInterval)
	}

	if kafka.Enabled(a.Cfg.Kafka) {
		var tracker kafka.AttemptTracker
		if a.RDB != nil {
			tracker = kafka.NewRedisAttemptTracker(a.RDB)
		} else {
			tracker = kafka.NewMemoryAttemptTracker()
		}
		consumerCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			kafka.StartConsumer(consumerCtx, a.Cfg.Kafka, a.Processor, tracker)
		}()
	}
	return nil
}

// Close 停止后台任务，把索引落盘后关闭外部连接。
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	if a.Index != nil {
		if err := a.Index.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close vector index: %w", err))
		}
	}
	if err := a.closeClients(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeClients() error {
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
		a.producer = nil
	}
	if a.RDB != nil {
		errs = append(errs, a.RDB.Close())
		a.RDB = nil
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
		a.DB = nil
	}
	return errors.Join(errs...)
}
