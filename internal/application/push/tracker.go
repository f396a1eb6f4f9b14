// Package push 负责把已发布分支推送到远端镜像，并持久化记录推送故障
package push

import (
	"context"
	"fmt"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
)

// FailureTracker 推送故障记录
//
// 每种文档类型一次故障期间只保留一条记录（首次失败的时间）。
// 恢复时先归档再删除；清除后立即出现的新失败会创建新的记录，这一短暂窗口是允许的。
type FailureTracker struct {
	repo repository.PushFailureRepository
}

// NewFailureTracker 创建故障记录器
func NewFailureTracker(repo repository.PushFailureRepository) *FailureTracker {
	return &FailureTracker{repo: repo}
}

// RecordFailure 不存在记录时创建；并发调用中只有一个返回 true
func (t *FailureTracker) RecordFailure(ctx context.Context, failure *entity.PushFailure) (bool, error) {
	if failure == nil {
		return false, fmt.Errorf("push failure is nil")
	}
	created, err := t.repo.CreateIfAbsent(ctx, failure)
	if err != nil {
		return false, fmt.Errorf("record push failure for %s: %w", failure.Kind, err)
	}
	if created {
		metrics.PushFailing.WithLabelValues(string(failure.Kind)).Set(1)
		logger.Warn(ctx, "push failure recorded", "commit", failure.Commit)
	}
	return created, nil
}

// CurrentStatus 当前推送健康状态
func (t *FailureTracker) CurrentStatus(ctx context.Context, kind entity.DocKind) (*entity.PushStatus, error) {
	failure, err := t.repo.Get(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load push failure for %s: %w", kind, err)
	}
	return &entity.PushStatus{
		Kind:      kind,
		Succeeded: failure == nil,
		Failure:   failure,
	}, nil
}

// ClearOnSuccess 推送成功后归档并删除故障记录，返回是否存在过记录
func (t *FailureTracker) ClearOnSuccess(ctx context.Context, kind entity.DocKind) (bool, error) {
	archived, err := t.repo.Archive(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("archive push failure for %s: %w", kind, err)
	}
	metrics.PushFailing.WithLabelValues(string(kind)).Set(0)
	if archived == nil {
		return false, nil
	}
	logger.Info(ctx, "push failure cleared", "failed_since", archived.Date, "commit", archived.Commit)
	return true, nil
}

// History 已归档的故障记录
func (t *FailureTracker) History(ctx context.Context, kind entity.DocKind) ([]*entity.PushFailure, error) {
	return t.repo.ListArchived(ctx, kind)
}
