// Package messaging 基于 Redis Stream 的推送请求与审计日志队列
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
)

// dlqCheckInterval 死信队列巡检间隔
const dlqCheckInterval = time.Minute

// errRetriesExhausted 超过重试上限
var errRetriesExhausted = errors.New("message exceeded max retries")

// MessageHandler 消息处理函数
//
// 返回 nil 时确认消息；返回 Settled 包装的错误时确认并放弃；
// 其余错误让消息留在 pending 中按退避重试，超过上限后进入死信队列。
type MessageHandler func(ctx context.Context, msg *Message) error

type settledError struct {
	err error
}

func (e *settledError) Error() string { return e.err.Error() }
func (e *settledError) Unwrap() error { return e.err }

// Settled 标记无需重试的失败，例如故障已由推送故障记录接管
func Settled(err error) error {
	if err == nil {
		return nil
	}
	return &settledError{err: err}
}

// IsSettled 错误是否无需重试
func IsSettled(err error) bool {
	var s *settledError
	return errors.As(err, &s)
}

// CoalesceKey 返回消息的合并键，空串表示不合并
type CoalesceKey func(msg *Message) string

// PushCoalesceKey 推送针对整个已发布分支，同一文档类型的请求只需执行一次
func PushCoalesceKey(msg *Message) string {
	if msg.Type != MessageTypeDocPush {
		return ""
	}
	return msg.Kind
}

// Consumer 消息消费者
type Consumer struct {
	client        *redis.Client
	stream        Stream
	group         ConsumerGroup
	consumerName  string
	blockTimeout  time.Duration
	claimInterval time.Duration
	reclaimIdle   time.Duration
	retryLimit    int
	batchSize     int64
	backoff       BackoffConfig
	coalesce      CoalesceKey

	handlers map[string]MessageHandler
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Stream        Stream
	Group         ConsumerGroup
	ConsumerName  string
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	RetryLimit    int
	// BatchSize 每次读取的消息数
	BatchSize int
	Backoff   BackoffConfig
	// Coalesce 非 nil 时同一批次内合并键相同的消息只处理最后一条
	Coalesce CoalesceKey
}

// NewConsumer 创建消息消费者
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}

	reclaimIdle := 5 * time.Minute
	if d := cfg.Backoff.Max * 2; d > reclaimIdle {
		reclaimIdle = d
	}

	return &Consumer{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumerName:  cfg.ConsumerName,
		blockTimeout:  cfg.BlockTimeout,
		claimInterval: cfg.ClaimInterval,
		reclaimIdle:   reclaimIdle,
		retryLimit:    cfg.RetryLimit,
		batchSize:     int64(cfg.BatchSize),
		backoff:       cfg.Backoff,
		coalesce:      cfg.Coalesce,
		handlers:      make(map[string]MessageHandler),
		stopCh:        make(chan struct{}),
	}
}

// RegisterHandler 注册消息处理器
func (c *Consumer) RegisterHandler(msgType string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// Start 创建消费者组并启动消费循环
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	err := c.client.XGroupCreateMkStream(ctx, string(c.stream), string(c.group), "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go c.run(ctx)
	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

func (c *Consumer) run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info("consumer started", "stream", c.stream, "group", c.group, "consumer", c.consumerName)

	lastReclaim := time.Now().Add(-c.claimInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped due to context cancellation")
			return
		case <-c.stopCh:
			log.Info("consumer stopped")
			return
		default:
		}

		c.retryDue(ctx)
		if time.Since(lastReclaim) >= c.claimInterval {
			c.reclaimAbandoned(ctx)
			lastReclaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    string(c.group),
			Consumer: c.consumerName,
			Streams:  []string{string(c.stream), ">"},
			Count:    c.batchSize,
			Block:    c.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error("failed to read from stream", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			c.processBatch(ctx, s.Messages)
		}
	}
}

// delivery 一条已解码的投递
type delivery struct {
	streamID string
	msg      *Message
}

func decode(xmsg redis.XMessage) (*Message, error) {
	raw, ok := xmsg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", xmsg.ID)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", xmsg.ID, err)
	}
	return &msg, nil
}

// processBatch 解码、合并后逐条处理；无法解码的消息直接确认
func (c *Consumer) processBatch(ctx context.Context, xmsgs []redis.XMessage) {
	batch := make([]delivery, 0, len(xmsgs))
	for _, xmsg := range xmsgs {
		msg, err := decode(xmsg)
		if err != nil {
			logger.FromContext(ctx).Error("dropping undecodable message", "error", err)
			metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "malformed").Inc()
			c.ack(ctx, xmsg.ID)
			continue
		}
		batch = append(batch, delivery{streamID: xmsg.ID, msg: msg})
	}
	for _, d := range c.coalesceBatch(ctx, batch) {
		c.handle(ctx, d)
	}
}

// coalesceBatch 合并键相同的消息只保留最后一条，其余直接确认
func (c *Consumer) coalesceBatch(ctx context.Context, batch []delivery) []delivery {
	if c.coalesce == nil || len(batch) < 2 {
		return batch
	}
	last := make(map[string]int, len(batch))
	for i, d := range batch {
		if key := c.coalesce(d.msg); key != "" {
			last[key] = i
		}
	}
	kept := batch[:0:0]
	for i, d := range batch {
		key := c.coalesce(d.msg)
		if key != "" && last[key] != i {
			logger.FromContext(ctx).Debug("message coalesced", "message_id", d.msg.ID, "key", key)
			metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "coalesced").Inc()
			c.ack(ctx, d.streamID)
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

func (c *Consumer) handle(ctx context.Context, d delivery) {
	msg := d.msg
	ctx, span := tracer.Start(ctx, "consumer.handle",
		trace.WithAttributes(
			attribute.String("stream", string(c.stream)),
			attribute.String("stream.message_id", d.streamID),
			attribute.String("message.type", msg.Type),
			attribute.String("doc.type", msg.Kind),
			attribute.String("doc.resource_id", msg.ResourceID),
		))
	defer span.End()

	if msg.Kind != "" {
		ctx = logger.WithContext(ctx, logger.DocTypeKey, msg.Kind)
	}
	if msg.ResourceID != "" {
		ctx = logger.WithContext(ctx, logger.ResourceIDKey, msg.ResourceID)
	}
	if reqID := msg.GetMetadata("request_id"); reqID != "" {
		ctx = logger.WithContext(ctx, logger.RequestIDKey, reqID)
	}
	if traceID := msg.GetMetadata("trace_id"); traceID != "" {
		ctx = logger.WithContext(ctx, logger.TraceIDKey, traceID)
	}
	log := logger.FromContext(ctx)

	c.mu.RLock()
	handler, ok := c.handlers[msg.Type]
	c.mu.RUnlock()
	if !ok {
		log.Warn("no handler for message type", "type", msg.Type)
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "skipped").Inc()
		c.ack(ctx, d.streamID)
		return
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "success").Inc()
		c.ack(ctx, d.streamID)
	case IsSettled(err):
		log.Warn("handler gave up on message", "error", err, "message_id", msg.ID)
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "settled").Inc()
		c.ack(ctx, d.streamID)
	default:
		span.RecordError(err)
		log.Error("handler failed", "error", err, "message_id", msg.ID)
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "error").Inc()
		c.afterFailure(ctx, d, err)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, string(c.stream), string(c.group), id).Err(); err != nil {
		logger.FromContext(ctx).Error("failed to ack message", "error", err, "message_id", id)
	}
}

// afterFailure 未超过上限时留在 pending 等待 retryDue 重投
func (c *Consumer) afterFailure(ctx context.Context, d delivery, err error) {
	deliveries := c.deliveries(ctx, d.streamID)
	if deliveries < int64(c.retryLimit) {
		logger.Info(ctx, "message left pending for retry", "message_id", d.msg.ID, "deliveries", deliveries)
		return
	}
	c.deadLetter(ctx, d.msg, deliveries, err)
	c.ack(ctx, d.streamID)
}

func (c *Consumer) deliveries(ctx context.Context, streamID string) int64 {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.stream),
		Group:  string(c.group),
		Start:  streamID,
		End:    streamID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

// pending 查询待处理消息；owner 为空时查询整个消费者组
func (c *Consumer) pending(ctx context.Context, owner string) []redis.XPendingExt {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   string(c.stream),
		Group:    string(c.group),
		Start:    "-",
		End:      "+",
		Count:    c.batchSize * 2,
		Consumer: owner,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.FromContext(ctx).Error("failed to query pending messages", "error", err)
	}
	return pending
}

// retryDue 重投本消费者中退避时间已到的失败消息
func (c *Consumer) retryDue(ctx context.Context) {
	for _, p := range c.pending(ctx, c.consumerName) {
		if p.RetryCount >= int64(c.retryLimit) {
			c.expire(ctx, p, 0)
			continue
		}
		wait := c.backoff.CalculateBackoff(int(p.RetryCount))
		if p.Idle < wait {
			continue
		}
		c.processBatch(ctx, c.claim(ctx, p.ID, wait))
	}
}

// reclaimAbandoned 接管其他消费者长时间未确认的消息
func (c *Consumer) reclaimAbandoned(ctx context.Context) {
	for _, p := range c.pending(ctx, "") {
		if p.Consumer == c.consumerName || p.Idle < c.reclaimIdle {
			continue
		}
		if p.RetryCount >= int64(c.retryLimit) {
			c.expire(ctx, p, c.reclaimIdle)
			continue
		}
		c.processBatch(ctx, c.claim(ctx, p.ID, c.reclaimIdle))
	}
}

func (c *Consumer) claim(ctx context.Context, id string, minIdle time.Duration) []redis.XMessage {
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.stream),
		Group:    string(c.group),
		Consumer: c.consumerName,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if err != nil {
		logger.FromContext(ctx).Error("failed to claim pending message", "error", err, "message_id", id)
		return nil
	}
	return claimed
}

// expire 认领超过重试上限的消息并移入死信队列
func (c *Consumer) expire(ctx context.Context, p redis.XPendingExt, minIdle time.Duration) {
	for _, xmsg := range c.claim(ctx, p.ID, minIdle) {
		if msg, err := decode(xmsg); err == nil {
			c.deadLetter(ctx, msg, p.RetryCount, errRetriesExhausted)
		}
		c.ack(ctx, xmsg.ID)
	}
}

// DeadLetter 死信队列中的一条记录
type DeadLetter struct {
	OriginalStream string   `json:"original_stream"`
	Message        *Message `json:"data"`
	Error          string   `json:"error"`
	Deliveries     int64    `json:"deliveries"`
	FailedAt       int64    `json:"failed_at"`
}

func (c *Consumer) deadLetter(ctx context.Context, msg *Message, deliveries int64, cause error) {
	logger.Warn(ctx, "message moved to DLQ", "message_id", msg.ID, "deliveries", deliveries, "error", cause)
	metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "dlq").Inc()

	data, err := json.Marshal(DeadLetter{
		OriginalStream: string(c.stream),
		Message:        msg,
		Error:          cause.Error(),
		Deliveries:     deliveries,
		FailedAt:       time.Now().Unix(),
	})
	if err != nil {
		logger.Error(ctx, "failed to encode dead letter", err)
		return
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream.DLQStream(),
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		logger.Error(ctx, "failed to write dead letter", err)
	}
}

// DeadLetters 最近的死信记录，新的在前
func (c *Consumer) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	entries, err := c.client.XRevRangeN(ctx, c.stream.DLQStream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.stream.DLQStream(), err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["data"].(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.Message == nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// MonitorDLQ 定期按文档类型统计最近的死信，超过阈值时告警
func (c *Consumer) MonitorDLQ(ctx context.Context, alertThreshold int64) {
	ticker := time.NewTicker(dlqCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkDLQ(ctx, alertThreshold)
		}
	}
}

func (c *Consumer) checkDLQ(ctx context.Context, alertThreshold int64) map[string]int {
	letters, err := c.DeadLetters(ctx, alertThreshold+1)
	if err != nil {
		return nil
	}
	byKind := make(map[string]int)
	for _, dl := range letters {
		byKind[dl.Message.Kind]++
	}
	for kind, n := range byKind {
		metrics.DeadLetters.WithLabelValues(string(c.stream), kind).Set(float64(n))
	}
	if int64(len(letters)) > alertThreshold {
		logger.Warn(ctx, "DLQ has pending messages", "stream", c.stream.DLQStream(), "by_doc_type", byKind)
	}
	return byKind
}
