package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
	"phylesystem-api/pkg/tracer"
)

// DefaultTimeout 单次推送的默认超时
const DefaultTimeout = 60 * time.Second

// Options 推送配置
type Options struct {
	ReadOnly bool
	// Remote 远端镜像，为空时不推送
	Remote  string
	Timeout time.Duration
}

// Pusher 同步推送
type Pusher interface {
	PushNow(ctx context.Context, kind entity.DocKind, id string) (*entity.PushOutcome, error)
}

// Service 同步推送并维护故障记录
type Service struct {
	registry *workflow.Registry
	tracker  *FailureTracker
	opts     Options
}

// NewService 创建推送服务
func NewService(registry *workflow.Registry, tracker *FailureTracker, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Service{registry: registry, tracker: tracker, opts: opts}
}

var _ Pusher = (*Service)(nil)

// Tracker 故障记录器
func (s *Service) Tracker() *FailureTracker {
	return s.tracker
}

// PushNow 推送文档类型对应仓库的已发布分支
//
// 失败（包括超时）时记录故障并返回 ErrPushFailed；成功时清除已有的故障记录。
func (s *Service) PushNow(ctx context.Context, kind entity.DocKind, id string) (out *entity.PushOutcome, err error) {
	if s.opts.ReadOnly {
		return nil, apperrors.ErrReadOnly
	}
	store, err := s.registry.Store(kind)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithContext(ctx, logger.DocTypeKey, string(kind))
	if id != "" {
		ctx = logger.WithContext(ctx, logger.ResourceIDKey, id)
	}
	ctx, span := tracer.StartDocSpan(ctx, "push.PushNow", string(kind), id)
	defer func() { tracer.End(span, err) }()

	out = &entity.PushOutcome{Kind: kind, ResourceID: id}
	if strings.TrimSpace(s.opts.Remote) == "" {
		out.Succeeded = true
		out.Detail = "no remote configured"
		metrics.PushAttemptsTotal.WithLabelValues(string(kind), "skipped").Inc()
		return out, nil
	}

	start := time.Now()
	pushCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	pushErr := store.PushToRemote(pushCtx, s.opts.Remote)
	timedOut := errors.Is(pushCtx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.PushDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if pushErr != nil {
		return s.fail(ctx, store.GetBranchHead, out, pushErr, timedOut)
	}

	metrics.PushAttemptsTotal.WithLabelValues(string(kind), "success").Inc()
	out.Succeeded = true
	recovered, err := s.tracker.ClearOnSuccess(ctx, kind)
	if err != nil {
		// 推送本身已成功，记录清理失败不影响结果
		logger.Error(ctx, "failed to clear push failure record", err)
		return out, nil
	}
	out.Recovered = recovered
	logger.Debug(ctx, "push succeeded", "recovered", recovered)
	return out, nil
}

func (s *Service) fail(ctx context.Context, head func(context.Context, string) (string, error), out *entity.PushOutcome, pushErr error, timedOut bool) (*entity.PushOutcome, error) {
	status := "failure"
	detail := pushErr.Error()
	if timedOut {
		status = "timeout"
		detail = fmt.Sprintf("push timed out after %s: %s", s.opts.Timeout, detail)
	}
	metrics.PushAttemptsTotal.WithLabelValues(string(out.Kind), status).Inc()
	logger.Error(ctx, "push to remote failed", pushErr, "timed_out", timedOut)

	commit, err := head(ctx, "")
	if err != nil {
		logger.Warn(ctx, "failed to read branch head for push failure record", "error", err)
	}
	created, err := s.tracker.RecordFailure(ctx, entity.NewPushFailure(out.Kind, out.ResourceID, commit, detail))
	if err != nil {
		logger.Error(ctx, "failed to record push failure", err)
		// 记录未写入时按新建处理，stream 消费端会继续重试
		created = true
	}
	out.RecordCreated = created
	out.Detail = detail
	return out, apperrors.ErrPushFailed.WithError(pushErr)
}
