package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestProducer_PublishPushRequest(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx := context.Background()

	id, err := producer.PublishPushRequest(ctx, &PushRequestMessage{
		Kind:       "nexson",
		ResourceID: "ot_1",
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := rdb.XRange(ctx, string(StreamDocPush), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &msg))
	assert.Equal(t, MessageTypeDocPush, msg.Type)
	assert.Equal(t, "nexson", msg.Kind)
	assert.Equal(t, "ot_1", msg.ResourceID)
	assert.Equal(t, "req-1", msg.GetMetadata("request_id"))
	assert.Empty(t, msg.GetMetadata("trace_id"))

	var req PushRequestMessage
	require.NoError(t, msg.UnmarshalPayload(&req))
	assert.Equal(t, "ot_1", req.ResourceID)
}

func TestProducer_PublishAuditLog(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 10)
	ctx := context.Background()

	_, err := producer.PublishAuditLog(ctx, &AuditLogMessage{
		Login:     "alice",
		Action:    "POST /v1/study",
		Kind:      "nexson",
		Status:    200,
		RequestID: "req-2",
	})
	require.NoError(t, err)

	n, err := rdb.XLen(ctx, string(StreamAuditLog)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumer_DeliversAndAcks(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(rdb, ConsumerConfig{
		Stream:       StreamDocPush,
		Group:        ConsumerGroupPushWorker,
		ConsumerName: "test-worker",
		BlockTimeout: 50 * time.Millisecond,
	})

	received := make(chan *Message, 1)
	consumer.RegisterHandler(MessageTypeDocPush, func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()
	require.Error(t, consumer.Start(ctx), "second start must fail")

	_, err := producer.PublishPushRequest(ctx, &PushRequestMessage{Kind: "collection", ResourceID: "alice/list"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "collection", msg.Kind)
		assert.Equal(t, "alice/list", msg.ResourceID)
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, string(StreamDocPush), string(ConsumerGroupPushWorker)).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConsumer_FailedMessageStaysPending(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(rdb, ConsumerConfig{
		Stream:       StreamDocPush,
		Group:        ConsumerGroupPushWorker,
		ConsumerName: "test-worker",
		BlockTimeout: 50 * time.Millisecond,
		Backoff:      BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 2},
	})

	attempts := make(chan struct{}, 4)
	consumer.RegisterHandler(MessageTypeDocPush, func(context.Context, *Message) error {
		attempts <- struct{}{}
		return errors.New("remote down")
	})
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	_, err := producer.PublishPushRequest(ctx, &PushRequestMessage{Kind: "nexson"})
	require.NoError(t, err)

	select {
	case <-attempts:
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered")
	}

	pending, err := rdb.XPending(ctx, string(StreamDocPush), string(ConsumerGroupPushWorker)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestConsumer_CoalescesPushesPerDocType(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, req := range []*PushRequestMessage{
		{Kind: "nexson", ResourceID: "ot_1"},
		{Kind: "collection", ResourceID: "alice/list"},
		{Kind: "nexson", ResourceID: "ot_2"},
		{Kind: "nexson", ResourceID: "ot_3"},
	} {
		_, err := producer.PublishPushRequest(ctx, req)
		require.NoError(t, err)
	}

	consumer := NewConsumer(rdb, ConsumerConfig{
		Stream:       StreamDocPush,
		Group:        ConsumerGroupPushWorker,
		ConsumerName: "test-worker",
		BlockTimeout: 50 * time.Millisecond,
		Coalesce:     PushCoalesceKey,
	})
	handled := make(chan string, 8)
	consumer.RegisterHandler(MessageTypeDocPush, func(_ context.Context, msg *Message) error {
		handled <- msg.Kind + ":" + msg.ResourceID
		return nil
	})
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, string(StreamDocPush), string(ConsumerGroupPushWorker)).Result()
		return err == nil && pending.Count == 0 && len(handled) == 2
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "collection:alice/list", <-handled)
	assert.Equal(t, "nexson:ot_3", <-handled)
}

func TestConsumer_SettledFailureIsAcked(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(rdb, ConsumerConfig{
		Stream:       StreamDocPush,
		Group:        ConsumerGroupPushWorker,
		ConsumerName: "test-worker",
		BlockTimeout: 50 * time.Millisecond,
	})
	attempts := make(chan struct{}, 4)
	consumer.RegisterHandler(MessageTypeDocPush, func(context.Context, *Message) error {
		attempts <- struct{}{}
		return Settled(errors.New("failure already recorded"))
	})
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	_, err := producer.PublishPushRequest(ctx, &PushRequestMessage{Kind: "nexson", ResourceID: "ot_1"})
	require.NoError(t, err)

	select {
	case <-attempts:
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered")
	}
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, string(StreamDocPush), string(ConsumerGroupPushWorker)).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, attempts, 0)

	letters, err := consumer.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestConsumer_DeadLettersAfterRetryLimit(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(rdb, ConsumerConfig{
		Stream:       StreamDocPush,
		Group:        ConsumerGroupPushWorker,
		ConsumerName: "test-worker",
		BlockTimeout: 50 * time.Millisecond,
		RetryLimit:   1,
	})
	consumer.RegisterHandler(MessageTypeDocPush, func(context.Context, *Message) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	_, err := producer.PublishPushRequest(ctx, &PushRequestMessage{Kind: "amendment", ResourceID: "additions-1"})
	require.NoError(t, err)

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		letters, err = consumer.DeadLetters(ctx, 10)
		return err == nil && len(letters) == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, string(StreamDocPush), letters[0].OriginalStream)
	assert.Equal(t, "amendment", letters[0].Message.Kind)
	assert.Equal(t, "store unavailable", letters[0].Error)
	assert.Equal(t, int64(1), letters[0].Deliveries)

	pending, err := rdb.XPending(ctx, string(StreamDocPush), string(ConsumerGroupPushWorker)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	assert.Equal(t, map[string]int{"amendment": 1}, consumer.checkDLQ(ctx, 0))
}

func TestSettled(t *testing.T) {
	assert.Nil(t, Settled(nil))
	base := errors.New("remote down")
	err := Settled(base)
	assert.True(t, IsSettled(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsSettled(base))
}

func TestBackoffConfig_CalculateBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, cfg.CalculateBackoff(0))
	assert.Equal(t, 2*time.Second, cfg.CalculateBackoff(1))
	assert.Equal(t, 4*time.Second, cfg.CalculateBackoff(5))
}
