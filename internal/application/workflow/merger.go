package workflow

import (
	"context"
	"strings"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
	"phylesystem-api/pkg/tracer"
)

// MergeInput 将 Source 分支合并进 Destination
type MergeInput struct {
	Kind        entity.DocKind
	Destination string
	Source      string
	Auth        entity.AuthInfo
}

// Merger 显式的分支合并
//
// 写入时遇到过期父提交不会自动合并，调用方通过这里把已发布分支合并进自己的 WIP 分支，
// 再携带 merged_SHA 重新提交。
type Merger struct {
	registry *Registry
	pusher   PushScheduler
	settings Settings
}

// NewMerger 创建合并服务
func NewMerger(registry *Registry, pusher PushScheduler, settings Settings) *Merger {
	if pusher == nil {
		pusher = noopScheduler{}
	}
	return &Merger{registry: registry, pusher: pusher, settings: settings}
}

// Merge 快进或三方合并；存在冲突时两个分支都保持不变
func (m *Merger) Merge(ctx context.Context, in *MergeInput) (res *entity.MergeResult, err error) {
	if m.settings.ReadOnly {
		return nil, apperrors.ErrReadOnly
	}
	if in == nil {
		return nil, apperrors.ErrInvalidParam.WithDetail("input is nil")
	}
	store, err := m.registry.Store(in.Kind)
	if err != nil {
		return nil, err
	}

	dest, src := strings.TrimSpace(in.Destination), strings.TrimSpace(in.Source)
	if err = ValidateMergeBranches(dest, src); err != nil {
		return nil, err
	}

	ctx = docContext(ctx, in.Kind, "", in.Auth)
	ctx, span := tracer.StartDocSpan(ctx, "workflow.Merge", string(in.Kind), "")
	defer func() { tracer.End(span, err) }()

	res, err = store.MergeBranches(ctx, dest, src)
	if err != nil {
		result := "error"
		if apperrors.HasCode(err, apperrors.CodeMergeConflict) {
			result = "conflict"
			logger.Info(ctx, "merge rejected", "destination", dest, "source", src, "detail", apperrors.AsAppError(err).Detail)
		}
		metrics.MergesTotal.WithLabelValues(string(in.Kind), result).Inc()
		if apperrors.IsAppError(err) {
			return nil, err
		}
		logger.Error(ctx, "merge failed", err, "destination", dest, "source", src)
		return nil, apperrors.ErrStorage.WithError(err)
	}

	result := "merged"
	switch {
	case res.AlreadyMerged:
		result = "already_merged"
	case res.FastForward:
		result = "fast_forward"
	}
	metrics.MergesTotal.WithLabelValues(string(in.Kind), result).Inc()
	logger.Info(ctx, "branches merged", "destination", dest, "source", src, "sha", res.SHA, "result", result)

	if dest == repository.MasterBranch && !res.AlreadyMerged {
		m.pusher.SchedulePush(ctx, in.Kind, "")
	}
	return res, nil
}

// ValidateMergeBranches 校验合并的两个分支名
func ValidateMergeBranches(dest, src string) error {
	dest, src = strings.TrimSpace(dest), strings.TrimSpace(src)
	if dest == "" || src == "" {
		return apperrors.ErrInvalidParam.WithDetail("both branch names are required")
	}
	if dest == src {
		return apperrors.ErrInvalidParam.WithDetail("cannot merge a branch into itself")
	}
	return nil
}
