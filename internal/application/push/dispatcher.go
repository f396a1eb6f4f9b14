package push

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
)

type task struct {
	ctx  context.Context
	kind entity.DocKind
	id   string
}

// LocalDispatcher 进程内推送队列
//
// 固定数量的 worker 消费缓冲队列；队列满或已关闭时改为独立 goroutine 执行。
// 任务中的错误与 panic 只记录日志，不会回到调用方。
type LocalDispatcher struct {
	pusher Pusher
	queue  chan task
	group  *errgroup.Group

	mu       sync.RWMutex
	closed   bool
	overflow sync.WaitGroup
}

// NewLocalDispatcher 创建并启动本地调度器
func NewLocalDispatcher(pusher Pusher, workers, queueSize int) *LocalDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	d := &LocalDispatcher{
		pusher: pusher,
		queue:  make(chan task, queueSize),
		group:  &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		d.group.Go(func() error {
			for t := range d.queue {
				metrics.PushQueueDepth.Dec()
				d.run(t)
			}
			return nil
		})
	}
	return d
}

var _ workflow.PushScheduler = (*LocalDispatcher)(nil)

// SchedulePush 提交推送任务，不阻塞调用方
func (d *LocalDispatcher) SchedulePush(ctx context.Context, kind entity.DocKind, id string) {
	t := task{ctx: detach(ctx), kind: kind, id: id}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.closed {
		select {
		case d.queue <- t:
			metrics.PushQueueDepth.Inc()
			return
		default:
			logger.Warn(t.ctx, "push queue full, running push out of band")
		}
	}

	d.overflow.Add(1)
	go func() {
		defer d.overflow.Done()
		d.run(t)
	}()
}

// Close 停止接收新任务并等待已提交的任务完成
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		d.overflow.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("push dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *LocalDispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(t.ctx, "push task panicked", fmt.Errorf("%v", r), "stack", string(debug.Stack()))
		}
	}()

	ctx := logger.WithContext(t.ctx, logger.DocTypeKey, string(t.kind))
	if _, err := d.pusher.PushNow(ctx, t.kind, t.id); err != nil {
		logger.Warn(ctx, "deferred push failed", "resource_id", t.id, "error", err)
	}
}

// detach 保留日志与追踪信息，但不随请求结束而取消
func detach(ctx context.Context) context.Context {
	out := logger.Detach(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = trace.ContextWithSpanContext(out, sc)
	}
	return out
}
