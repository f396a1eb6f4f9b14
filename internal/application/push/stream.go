package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/infrastructure/messaging"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/tracer"
)

// publishTimeout 发布推送消息的超时
const publishTimeout = 2 * time.Second

// RequestPublisher 推送请求的发布端
type RequestPublisher interface {
	PublishPushRequest(ctx context.Context, req *messaging.PushRequestMessage) (string, error)
}

// StreamDispatcher 将推送请求写入 Redis Stream，由 push-worker 执行
//
// 发布在后台 goroutine 中进行，Redis 变慢不会拖住写请求。
type StreamDispatcher struct {
	publisher RequestPublisher
	// fallback 发布失败时使用，可以为 nil
	fallback workflow.PushScheduler
	timeout  time.Duration
	inflight sync.WaitGroup
}

// NewStreamDispatcher 创建 Stream 调度器
func NewStreamDispatcher(publisher RequestPublisher, fallback workflow.PushScheduler) *StreamDispatcher {
	return &StreamDispatcher{publisher: publisher, fallback: fallback, timeout: publishTimeout}
}

var _ workflow.PushScheduler = (*StreamDispatcher)(nil)

// SchedulePush 异步发布推送请求，失败时交给 fallback
func (d *StreamDispatcher) SchedulePush(ctx context.Context, kind entity.DocKind, id string) {
	req := &messaging.PushRequestMessage{
		Kind:       string(kind),
		ResourceID: id,
		TraceID:    tracer.TraceID(ctx),
	}
	if v, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		req.RequestID = v
	}

	bg := detach(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.publish(bg, kind, req)
	}()
}

func (d *StreamDispatcher) publish(ctx context.Context, kind entity.DocKind, req *messaging.PushRequestMessage) {
	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	msgID, err := d.publisher.PublishPushRequest(pubCtx, req)
	if err == nil {
		logger.Debug(ctx, "push request published", "message_id", msgID)
		return
	}

	logger.Warn(ctx, "failed to publish push request", "error", err)
	if d.fallback != nil {
		d.fallback.SchedulePush(ctx, kind, req.ResourceID)
	}
}

// Close 等待进行中的发布结束；应先于 fallback 关闭
func (d *StreamDispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("push stream dispatcher shutdown: %w", ctx.Err())
	}
}

// NewStreamHandler push-worker 的消息处理函数
//
// 只读模式与不支持的文档类型不会重试。推送失败且故障记录在此之前已存在时同样不再重试，
// 由故障记录反映状态，下一次写入或手动推送会再次尝试；新建了故障记录的失败按退避重试。
func NewStreamHandler(pusher Pusher) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		var req messaging.PushRequestMessage
		if err := msg.UnmarshalPayload(&req); err != nil {
			logger.Warn(ctx, "dropping malformed push request", "error", err, "message_id", msg.ID)
			return nil
		}
		kind, err := entity.ParseDocKind(req.Kind)
		if err != nil {
			logger.Warn(ctx, "dropping push request", "error", err, "message_id", msg.ID)
			return nil
		}

		out, err := pusher.PushNow(ctx, kind, req.ResourceID)
		switch {
		case err == nil:
			return nil
		case apperrors.HasCode(err, apperrors.CodeReadOnly),
			apperrors.HasCode(err, apperrors.CodeNotImplemented),
			apperrors.HasCode(err, apperrors.CodeInvalidParam):
			logger.Warn(ctx, "push request not retried", "error", err)
			return nil
		case apperrors.HasCode(err, apperrors.CodePushFailed) && out != nil && !out.RecordCreated:
			return messaging.Settled(err)
		default:
			return err
		}
	}
}
