// Package workflow 编排文档的写入、读取与合并
package workflow

import (
	"context"
	"time"

	"phylesystem-api/internal/domain/entity"
)

// Validator 文档校验与规范化
type Validator interface {
	// Validate 校验并规范化，失败时返回 *validation.ValidationError
	Validate(ctx context.Context, raw []byte, targetVersion string) (*entity.ValidatedDocument, error)
	// Annotate 将校验注解嵌入文档
	Annotate(content []byte, ann *entity.Annotation) ([]byte, error)
}

// PushScheduler 异步推送调度，调用方不等待结果
type PushScheduler interface {
	SchedulePush(ctx context.Context, kind entity.DocKind, id string)
}

// DocumentCache 按不可变键缓存读取结果
type DocumentCache interface {
	GetOrLoadSafe(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error)
}

// Settings 写入流程使用的进程级配置，启动时确定，之后不再修改
type Settings struct {
	ReadOnly bool
	// SchemaVersion 仓库存储使用的 NexSON 版本
	SchemaVersion       string
	MaxNumTrees         int
	IDPrefix            string
	ShardName           string
	ExternalURLTemplate string
	DocumentTTL         time.Duration
}

// noopScheduler 未配置推送时使用
type noopScheduler struct{}

func (noopScheduler) SchedulePush(context.Context, entity.DocKind, string) {}
