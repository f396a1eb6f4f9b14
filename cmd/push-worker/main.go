// Package main 推送执行器入口（push-worker）
//
// 消费 API 服务以 stream 模式发布的推送请求，并把写入审计日志落到本地日志。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"phylesystem-api/internal/application/push"
	"phylesystem-api/internal/config"
	"phylesystem-api/internal/infrastructure/messaging"
	"phylesystem-api/internal/wire"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/tracer"

	"github.com/joho/godotenv"
)

// dlqAlertThreshold 死信队列告警阈值
const dlqAlertThreshold = 10

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "push-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	worker, cleanup, err := wire.InitializeWorker(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize worker", err)
	}
	defer cleanup()
	if worker.Redis == nil {
		logger.Fatal(ctx, "push-worker requires redis", fmt.Errorf("cache.redis.enabled is false"))
	}

	streamCfg := cfg.Messaging.RedisStream
	consumerConfig := func(stream messaging.Stream, group messaging.ConsumerGroup) messaging.ConsumerConfig {
		return messaging.ConsumerConfig{
			Stream:        stream,
			Group:         messaging.ConsumerGroup(streamCfg.ConsumerGroupPrefix + string(group)),
			ConsumerName:  hostnameConsumerName(),
			BlockTimeout:  streamCfg.BlockTimeout,
			ClaimInterval: streamCfg.ClaimInterval,
			RetryLimit:    streamCfg.RetryLimit,
			Backoff: messaging.BackoffConfig{
				Initial:    streamCfg.RetryBackoff.Initial,
				Max:        streamCfg.RetryBackoff.Max,
				Multiplier: streamCfg.RetryBackoff.Multiplier,
			},
		}
	}

	pushCfg := consumerConfig(messaging.StreamDocPush, messaging.ConsumerGroupPushWorker)
	pushCfg.Coalesce = messaging.PushCoalesceKey
	pushConsumer := messaging.NewConsumer(worker.Redis.Redis(), pushCfg)
	pushConsumer.RegisterHandler(messaging.MessageTypeDocPush, push.NewStreamHandler(worker.Pusher))

	auditConsumer := messaging.NewConsumer(worker.Redis.Redis(), consumerConfig(messaging.StreamAuditLog, messaging.ConsumerGroupArchiver))
	auditConsumer.RegisterHandler(messaging.MessageTypeAudit, func(ctx context.Context, msg *messaging.Message) error {
		var entry messaging.AuditLogMessage
		if err := msg.UnmarshalPayload(&entry); err != nil {
			logger.Warn(ctx, "dropping malformed audit entry", "error", err, "message_id", msg.ID)
			return nil
		}
		logger.Info(ctx, "audit entry",
			"login", entry.Login,
			"action", entry.Action,
			"doc_type", entry.Kind,
			"resource_id", entry.ResourceID,
			"status", entry.Status,
			"request_id", entry.RequestID,
		)
		return nil
	})

	for _, c := range []*messaging.Consumer{pushConsumer, auditConsumer} {
		if err := c.Start(ctx); err != nil {
			logger.Fatal(ctx, "failed to start consumer", err)
		}
	}
	go pushConsumer.MonitorDLQ(ctx, dlqAlertThreshold)

	log := logger.FromContext(ctx)
	log.Info("push-worker started", "remote", cfg.DocStore.Remote)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("push-worker shutting down")
	cancel()
	pushConsumer.Stop()
	auditConsumer.Stop()
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
