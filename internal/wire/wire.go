//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"phylesystem-api/internal/application/push"
	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/config"
	"phylesystem-api/internal/interfaces/http/handler"
	"phylesystem-api/internal/interfaces/http/router"
)

// InitializeApp 初始化 API 服务（带路由器）
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(
		DocStoreSet,
		DataSet,
		PushSet,
		WorkflowSet,
		RouterSet,
		ProvidePushScheduler,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

// InitializeWorker 初始化 push-worker；不注册路由，也不创建调度器
func InitializeWorker(ctx context.Context, cfg *config.Config) (*Worker, func(), error) {
	wire.Build(
		DocStoreSet,
		DataSet,
		PushSet,
		wire.Struct(new(Worker), "*"),
	)
	return nil, nil, nil
}

// DocStoreSet 文档存储与校验器
var DocStoreSet = wire.NewSet(
	ProvideDocumentStores,
	ProvideValidators,
	workflow.NewRegistry,
)

// DataSet 可选的 Redis / Postgres
var DataSet = wire.NewSet(
	ProvideRedisClientOptional,
	ProvidePostgresClientOptional,
	ProvidePushFailureRepository,
)

// PushSet 同步推送与故障记录
var PushSet = wire.NewSet(
	ProvidePushOptions,
	push.NewFailureTracker,
	push.NewService,
)

// WorkflowSet 写入、读取与合并
var WorkflowSet = wire.NewSet(
	ProvideWorkflowSettings,
	ProvideDocumentCache,
	ProvideMessagingProducerOptional,
	workflow.NewService,
	workflow.NewMerger,
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	ProvideHealthHandler,
	ProvideDocumentHandler,
	ProvidePushHandler,
	handler.NewMergeHandler,
	handler.NewRepoHandler,
	ProvideRouterOptions,
	wire.Struct(new(router.Handlers), "*"),
	router.New,
)
