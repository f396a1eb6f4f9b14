package repository

import (
	"context"

	"phylesystem-api/internal/domain/entity"
)

// PushFailureRepository 推送失败记录仓储
//
// 每种文档类型至多一条在用记录。所有实现都必须保证
// CreateIfAbsent 是原子的“不存在才创建”，Archive 只会被一个调用方成功认领。
type PushFailureRepository interface {
	// CreateIfAbsent 记录不存在时创建，返回是否创建
	CreateIfAbsent(ctx context.Context, failure *entity.PushFailure) (bool, error)

	// Get 获取在用记录，不存在时返回 nil, nil
	Get(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error)

	// Archive 将在用记录追加到归档日志并删除，不存在时返回 nil, nil
	Archive(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error)

	// ListArchived 归档日志，按归档先后排序
	ListArchived(ctx context.Context, kind entity.DocKind) ([]*entity.PushFailure, error)
}
