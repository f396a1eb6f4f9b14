// Package wire 提供依赖注入配置
package wire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"phylesystem-api/internal/application/push"
	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/config"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/internal/infrastructure/docstore/gitstore"
	"phylesystem-api/internal/infrastructure/docstore/memstore"
	"phylesystem-api/internal/infrastructure/messaging"
	"phylesystem-api/internal/infrastructure/persistence/file"
	"phylesystem-api/internal/infrastructure/persistence/postgres"
	"phylesystem-api/internal/infrastructure/persistence/redis"
	"phylesystem-api/internal/infrastructure/validation"
	"phylesystem-api/internal/interfaces/http/handler"
	"phylesystem-api/internal/interfaces/http/router"
	"phylesystem-api/pkg/logger"
)

// dispatcherCloseTimeout 关闭时等待排队推送完成的上限
const dispatcherCloseTimeout = 30 * time.Second

// App API 服务依赖容器
type App struct {
	Router   *router.Router
	Registry *workflow.Registry
}

// Worker push-worker 依赖容器
type Worker struct {
	Pusher *push.Service
	Redis  *redis.Client
}

// ProvideDocumentStores 按配置打开各文档类型的存储
func ProvideDocumentStores(ctx context.Context, cfg *config.Config) ([]repository.DocumentStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DocStore.Backend)) {
	case "", "memory":
		var nexsonOpts []memstore.Option
		if cfg.Phylesystem.IDPrefix != "" {
			nexsonOpts = append(nexsonOpts, memstore.WithIDPrefix(cfg.Phylesystem.IDPrefix))
		}
		logger.Warn(ctx, "using in-memory document store, documents are lost on restart")
		return []repository.DocumentStore{
			memstore.New(entity.DocKindNexson, nexsonOpts...),
			memstore.New(entity.DocKindCollection),
			memstore.New(entity.DocKindAmendment),
		}, nil

	case "git":
		gitCfg := cfg.DocStore.Git
		if gitCfg.NexsonDir == "" {
			return nil, fmt.Errorf("docstore.git.nexson_dir is required")
		}
		repos := []struct {
			kind entity.DocKind
			dir  string
		}{
			{entity.DocKindNexson, gitCfg.NexsonDir},
			{entity.DocKindCollection, gitCfg.CollectionDir},
			{entity.DocKindAmendment, gitCfg.AmendmentDir},
		}
		stores := make([]repository.DocumentStore, 0, len(repos))
		for _, repo := range repos {
			if repo.dir == "" {
				continue
			}
			runner, err := gitstore.NewRunner(gitCfg.Binary, repo.dir)
			if err != nil {
				return nil, err
			}
			var opts []gitstore.Option
			if repo.kind == entity.DocKindNexson && cfg.Phylesystem.IDPrefix != "" {
				opts = append(opts, gitstore.WithIDPrefix(cfg.Phylesystem.IDPrefix))
			}
			store, err := gitstore.Open(ctx, runner, repo.kind, opts...)
			if err != nil {
				return nil, fmt.Errorf("open %s repository: %w", repo.kind, err)
			}
			logger.Info(ctx, "document store opened", "doc_type", string(repo.kind), "dir", runner.Dir)
			stores = append(stores, store)
		}
		return stores, nil

	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.DocStore.Backend)
	}
}

// ProvideValidators 各文档类型的校验器
func ProvideValidators(cfg *config.Config) (map[entity.DocKind]workflow.Validator, error) {
	validators, err := validation.NewAll(validation.Options{
		MaxNumTrees:      cfg.Phylesystem.MaxNumTrees,
		ValidatorVersion: cfg.App.Version,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[entity.DocKind]workflow.Validator, len(validators))
	for kind, v := range validators {
		out[kind] = v
	}
	return out, nil
}

// ProvideWorkflowSettings 写入流程配置
func ProvideWorkflowSettings(cfg *config.Config) workflow.Settings {
	return workflow.Settings{
		ReadOnly:            cfg.Phylesystem.ReadOnly,
		SchemaVersion:       cfg.Phylesystem.RepoNexml2JSON,
		MaxNumTrees:         cfg.Phylesystem.MaxNumTrees,
		IDPrefix:            cfg.Phylesystem.IDPrefix,
		ShardName:           cfg.Phylesystem.ShardName,
		ExternalURLTemplate: cfg.Phylesystem.ExternalURLTemplate,
		DocumentTTL:         cfg.Cache.DocumentTTL,
	}
}

// ProvidePushOptions 推送配置
func ProvidePushOptions(cfg *config.Config) push.Options {
	return push.Options{
		ReadOnly: cfg.Phylesystem.ReadOnly,
		Remote:   cfg.DocStore.Remote,
		Timeout:  cfg.Push.Timeout,
	}
}

// ProvideRedisClientOptional 未启用时返回 nil
func ProvideRedisClientOptional(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Cache.Redis.Enabled {
		logger.Info(ctx, "redis disabled, cache, rate limiting and streams are off")
		return nil, func() {}, nil
	}
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvidePostgresClientOptional 仅在故障记录存放于 Postgres 时连接
func ProvidePostgresClientOptional(ctx context.Context, cfg *config.Config) (*postgres.Client, func(), error) {
	if cfg.Push.FailureStore != "postgres" {
		return nil, func() {}, nil
	}
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	if err := client.AutoMigrate(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvidePushFailureRepository 按配置选择故障记录后端
func ProvidePushFailureRepository(cfg *config.Config, pg *postgres.Client, rdb *redis.Client) (repository.PushFailureRepository, error) {
	switch cfg.Push.FailureStore {
	case "", "file":
		dir := cfg.Push.FailureDir
		if dir == "" {
			dir = "."
		}
		return file.NewPushFailureRepository(dir)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("push.failure_store=redis requires cache.redis.enabled")
		}
		return redis.NewPushFailureRepository(rdb), nil
	case "postgres":
		return postgres.NewPushFailureRepository(pg), nil
	default:
		return nil, fmt.Errorf("unknown push failure store %q", cfg.Push.FailureStore)
	}
}

// ProvideMessagingProducerOptional Redis 未启用时返回 nil
func ProvideMessagingProducerOptional(rdb *redis.Client, cfg *config.Config) *messaging.Producer {
	if rdb == nil {
		return nil
	}
	maxLen := cfg.Messaging.RedisStream.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return messaging.NewProducer(rdb.Redis(), int64(maxLen))
}

// ProvidePushScheduler 写入后的异步推送：本地队列或 Redis Stream
func ProvidePushScheduler(ctx context.Context, cfg *config.Config, pusher *push.Service, producer *messaging.Producer) (workflow.PushScheduler, func(), error) {
	local := push.NewLocalDispatcher(pusher, cfg.Push.Workers, cfg.Push.QueueSize)
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), dispatcherCloseTimeout)
		defer cancel()
		if err := local.Close(closeCtx); err != nil {
			logger.Warn(ctx, "push dispatcher did not drain", "error", err)
		}
	}

	switch cfg.Push.Dispatcher {
	case "", "local":
		return local, cleanup, nil
	case "stream":
		if producer == nil {
			cleanup()
			return nil, nil, fmt.Errorf("push.dispatcher=stream requires cache.redis.enabled")
		}
		// 发布失败时退回本地队列
		stream := push.NewStreamDispatcher(producer, local)
		streamCleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), dispatcherCloseTimeout)
			defer cancel()
			if err := stream.Close(closeCtx); err != nil {
				logger.Warn(ctx, "push stream dispatcher did not drain", "error", err)
			}
			cleanup()
		}
		return stream, streamCleanup, nil
	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown push dispatcher %q", cfg.Push.Dispatcher)
	}
}

// ProvideDocumentCache 按提交读取的缓存，Redis 未启用时不缓存
func ProvideDocumentCache(rdb *redis.Client) workflow.DocumentCache {
	if rdb == nil {
		return nil
	}
	return redis.NewCache(rdb)
}

// ProvideDocumentHandler 文档处理器
func ProvideDocumentHandler(svc *workflow.Service, cfg *config.Config) *handler.DocumentHandler {
	return handler.NewDocumentHandler(svc, cfg.Server.HTTP.MaxBodyBytes)
}

// ProvidePushHandler 推送处理器
func ProvidePushHandler(svc *push.Service) *handler.PushHandler {
	return handler.NewPushHandler(svc, svc.Tracker())
}

// ProvideHealthHandler 健康检查处理器
func ProvideHealthHandler(registry *workflow.Registry, pg *postgres.Client, rdb *redis.Client, cfg *config.Config) *handler.HealthHandler {
	return handler.NewHealthHandler(registry, pg, rdb, cfg.App.Version)
}

// ProvideRouterOptions 依赖 Redis 的中间件
func ProvideRouterOptions(rdb *redis.Client, producer *messaging.Producer) router.Options {
	var opts router.Options
	if rdb != nil {
		opts.RateLimiter = redis.NewRateLimiter(rdb)
	}
	if producer != nil {
		opts.AuditPublisher = producer
	}
	return opts
}
