// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishPushRequest 发布推送请求
func (p *Producer) PublishPushRequest(ctx context.Context, req *PushRequestMessage) (string, error) {
	msg, err := NewMessage(uuid.NewString(), MessageTypeDocPush, req.Kind, req.ResourceID, req)
	if err != nil {
		return "", err
	}
	if req.RequestID != "" {
		msg.SetMetadata("request_id", req.RequestID)
	}
	if req.TraceID != "" {
		msg.SetMetadata("trace_id", req.TraceID)
	}
	return p.Publish(ctx, StreamDocPush, msg)
}

// PublishAuditLog 发布审计日志
func (p *Producer) PublishAuditLog(ctx context.Context, log *AuditLogMessage) (string, error) {
	id := log.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	msg, err := NewMessage(id, MessageTypeAudit, log.Kind, log.ResourceID, log)
	if err != nil {
		return "", err
	}

	return p.Publish(ctx, StreamAuditLog, msg)
}

// PushRequestMessage 推送请求消息
type PushRequestMessage struct {
	Kind       string `json:"doc_type"`
	ResourceID string `json:"resource_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// AuditLogMessage 审计日志消息
type AuditLogMessage struct {
	Login      string `json:"login,omitempty"`
	Action     string `json:"action"`
	Kind       string `json:"doc_type,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Status     int    `json:"status"`
	RequestID  string `json:"request_id"`
	TraceID    string `json:"trace_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}
