package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/infrastructure/messaging"
	apperrors "phylesystem-api/pkg/errors"
)

// fakePusher 记录调用，可注入错误、阻塞或 panic
type fakePusher struct {
	mu      sync.Mutex
	calls   []string
	err     error
	panicOn string
	release chan struct{}
	// recordCreated 失败时是否新建了故障记录
	recordCreated bool
}

func (p *fakePusher) PushNow(ctx context.Context, kind entity.DocKind, id string) (*entity.PushOutcome, error) {
	if p.release != nil {
		<-p.release
	}
	if id == p.panicOn && p.panicOn != "" {
		panic("boom")
	}
	p.mu.Lock()
	p.calls = append(p.calls, id)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return &entity.PushOutcome{Kind: kind, ResourceID: id, RecordCreated: p.recordCreated}, err
	}
	return &entity.PushOutcome{Kind: kind, ResourceID: id, Succeeded: true}, nil
}

func (p *fakePusher) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestLocalDispatcher_RunsScheduledPushes(t *testing.T) {
	pusher := &fakePusher{}
	d := NewLocalDispatcher(pusher, 2, 8)

	for _, id := range []string{"ot_1", "ot_2", "ot_3"} {
		d.SchedulePush(context.Background(), entity.DocKindNexson, id)
	}
	require.NoError(t, d.Close(context.Background()))
	assert.ElementsMatch(t, []string{"ot_1", "ot_2", "ot_3"}, pusher.Calls())
}

func TestLocalDispatcher_RequestCancellationDoesNotAbortPush(t *testing.T) {
	pusher := &fakePusher{release: make(chan struct{})}
	d := NewLocalDispatcher(pusher, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	d.SchedulePush(ctx, entity.DocKindNexson, "ot_1")
	cancel()
	close(pusher.release)

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"ot_1"}, pusher.Calls())
}

func TestLocalDispatcher_ErrorsAndPanicsStayInWorker(t *testing.T) {
	pusher := &fakePusher{panicOn: "bad", err: errors.New("remote down")}
	d := NewLocalDispatcher(pusher, 1, 4)

	assert.NotPanics(t, func() {
		d.SchedulePush(context.Background(), entity.DocKindNexson, "bad")
		d.SchedulePush(context.Background(), entity.DocKindNexson, "ot_2")
	})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"ot_2"}, pusher.Calls())
}

func TestLocalDispatcher_OverflowAndClosed(t *testing.T) {
	pusher := &fakePusher{release: make(chan struct{})}
	d := NewLocalDispatcher(pusher, 1, 0)

	// 无缓冲且 worker 阻塞时仍然立即返回
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			d.SchedulePush(context.Background(), entity.DocKindNexson, "ot_1")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SchedulePush blocked")
	}
	close(pusher.release)

	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, pusher.Calls(), 3)

	d.SchedulePush(context.Background(), entity.DocKindNexson, "after-close")
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, pusher.Calls(), 4)
}

func TestLocalDispatcher_CloseHonorsDeadline(t *testing.T) {
	pusher := &fakePusher{release: make(chan struct{})}
	defer close(pusher.release)
	d := NewLocalDispatcher(pusher, 1, 1)
	d.SchedulePush(context.Background(), entity.DocKindNexson, "ot_1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	reqs []*messaging.PushRequestMessage
	// hang 非 nil 时阻塞到上下文结束
	hang chan struct{}
}

func (p *fakePublisher) PublishPushRequest(ctx context.Context, req *messaging.PushRequestMessage) (string, error) {
	if p.hang != nil {
		close(p.hang)
		<-ctx.Done()
		return "", ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return "", p.err
	}
	return "1-0", nil
}

func (p *fakePublisher) Requests() []*messaging.PushRequestMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*messaging.PushRequestMessage(nil), p.reqs...)
}

type fallbackRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (f *fallbackRecorder) SchedulePush(_ context.Context, _ entity.DocKind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fallbackRecorder) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func closeStream(t *testing.T, d *StreamDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestStreamDispatcher_PublishesRequest(t *testing.T) {
	pub := &fakePublisher{}
	fallback := &fallbackRecorder{}
	d := NewStreamDispatcher(pub, fallback)

	d.SchedulePush(context.Background(), entity.DocKindCollection, "alice/list")
	closeStream(t, d)

	reqs := pub.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "collection", reqs[0].Kind)
	assert.Equal(t, "alice/list", reqs[0].ResourceID)
	assert.Empty(t, fallback.IDs())
}

func TestStreamDispatcher_FallsBackOnPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	fallback := &fallbackRecorder{}
	d := NewStreamDispatcher(pub, fallback)

	d.SchedulePush(context.Background(), entity.DocKindNexson, "ot_9")
	closeStream(t, d)
	assert.Equal(t, []string{"ot_9"}, fallback.IDs())

	assert.NotPanics(t, func() {
		d := NewStreamDispatcher(pub, nil)
		d.SchedulePush(context.Background(), entity.DocKindNexson, "ot_9")
		closeStream(t, d)
	})
}

func TestStreamDispatcher_SlowRedisDoesNotBlockCaller(t *testing.T) {
	pub := &fakePublisher{hang: make(chan struct{})}
	fallback := &fallbackRecorder{}
	d := NewStreamDispatcher(pub, fallback)
	d.timeout = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	d.SchedulePush(ctx, entity.DocKindNexson, "ot_3")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	// 请求结束不影响后台发布
	cancel()

	select {
	case <-pub.hang:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never started")
	}
	assert.Empty(t, fallback.IDs())

	closeStream(t, d)
	assert.Equal(t, []string{"ot_3"}, fallback.IDs())
}

func pushMessage(t *testing.T, kind, id string) *messaging.Message {
	t.Helper()
	msg, err := messaging.NewMessage("m1", messaging.MessageTypeDocPush, kind, id,
		&messaging.PushRequestMessage{Kind: kind, ResourceID: id})
	require.NoError(t, err)
	return msg
}

func TestStreamHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		pusher := &fakePusher{}
		require.NoError(t, NewStreamHandler(pusher)(ctx, pushMessage(t, "nexson", "ot_1")))
		assert.Equal(t, []string{"ot_1"}, pusher.Calls())
	})

	t.Run("first push failure is retried", func(t *testing.T) {
		pusher := &fakePusher{err: apperrors.ErrPushFailed, recordCreated: true}
		err := NewStreamHandler(pusher)(ctx, pushMessage(t, "nexson", "ot_1"))
		require.Error(t, err)
		assert.False(t, messaging.IsSettled(err))
	})

	t.Run("push failure with existing record is settled", func(t *testing.T) {
		pusher := &fakePusher{err: apperrors.ErrPushFailed}
		err := NewStreamHandler(pusher)(ctx, pushMessage(t, "nexson", "ot_1"))
		require.Error(t, err)
		assert.True(t, messaging.IsSettled(err))
	})

	t.Run("store error is retried", func(t *testing.T) {
		pusher := &fakePusher{err: errors.New("repository locked")}
		err := NewStreamHandler(pusher)(ctx, pushMessage(t, "nexson", "ot_1"))
		require.Error(t, err)
		assert.False(t, messaging.IsSettled(err))
	})

	t.Run("read-only is dropped", func(t *testing.T) {
		pusher := &fakePusher{err: apperrors.ErrReadOnly}
		assert.NoError(t, NewStreamHandler(pusher)(ctx, pushMessage(t, "nexson", "ot_1")))
	})

	t.Run("unknown kind is dropped", func(t *testing.T) {
		pusher := &fakePusher{}
		assert.NoError(t, NewStreamHandler(pusher)(ctx, pushMessage(t, "tree", "x")))
		assert.Empty(t, pusher.Calls())
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		pusher := &fakePusher{}
		msg := pushMessage(t, "nexson", "ot_1")
		msg.Payload = json.RawMessage(`"not an object"`)
		assert.NoError(t, NewStreamHandler(pusher)(ctx, msg))
		assert.Empty(t, pusher.Calls())
	})
}
