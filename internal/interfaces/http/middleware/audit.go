// Package middleware 提供 HTTP 中间件
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/infrastructure/messaging"
	"phylesystem-api/pkg/logger"
)

// auditPublishTimeout 审计消息发布超时
const auditPublishTimeout = 2 * time.Second

// AuditPublisher 审计日志的发布端
type AuditPublisher interface {
	PublishAuditLog(ctx context.Context, log *messaging.AuditLogMessage) (string, error)
}

// AuditConfig 审计配置
type AuditConfig struct {
	// Enabled 是否启用审计
	Enabled bool
	// SkipPaths 跳过审计的路径
	SkipPaths []string
	// Publisher 写入类请求额外发布到审计流，可以为 nil
	Publisher AuditPublisher
}

// Audit 审计日志中间件
func Audit(cfg AuditConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	// 构建跳过路径映射
	skipMap := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipMap[path] = true
	}

	return func(c *gin.Context) {
		if skipMap[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		duration := time.Since(start)
		ctx := c.Request.Context()

		logger.Info(ctx, "api audit",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", duration.Milliseconds(),
			"ip", c.ClientIP(),
			"login", c.GetString("login"),
			"request_id", c.GetString("request_id"),
		)

		if cfg.Publisher == nil || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions {
			return
		}

		entry := &messaging.AuditLogMessage{
			Login:      c.GetString("login"),
			Action:     c.Request.Method + " " + c.FullPath(),
			Kind:       c.GetString("doc_type"),
			ResourceID: c.Param("id"),
			Status:     c.Writer.Status(),
			RequestID:  c.GetString("request_id"),
			TraceID:    c.GetString("trace_id"),
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		}
		pubCtx := logger.Detach(ctx)
		go func() {
			pubCtx, cancel := context.WithTimeout(pubCtx, auditPublishTimeout)
			defer cancel()
			if _, err := cfg.Publisher.PublishAuditLog(pubCtx, entry); err != nil {
				logger.Warn(pubCtx, "failed to publish audit log", "error", err)
			}
		}()
	}
}

// DefaultAuditSkipPaths 默认跳过审计的路径
var DefaultAuditSkipPaths = []string{
	"/health",
	"/ready",
	"/live",
	"/metrics",
}
