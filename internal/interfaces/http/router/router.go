// Package router 提供 HTTP 路由配置
package router

import (
	"phylesystem-api/internal/config"
	"phylesystem-api/internal/interfaces/http/handler"
	"phylesystem-api/internal/interfaces/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 路由使用的处理器集合
type Handlers struct {
	Health   *handler.HealthHandler
	Document *handler.DocumentHandler
	Push     *handler.PushHandler
	Merge    *handler.MergeHandler
	Repo     *handler.RepoHandler
}

// Options 可选依赖，未启用 Redis 时为空
type Options struct {
	RateLimiter    middleware.RateLimiter
	AuditPublisher middleware.AuditPublisher
}

// Router HTTP 路由器
type Router struct {
	engine   *gin.Engine
	cfg      *config.Config
	handlers *Handlers
	opts     Options
}

// New 创建新的路由器
func New(cfg *config.Config, handlers *Handlers, opts Options) *Router {
	// 设置 Gin 模式
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	r := &Router{
		engine:   engine,
		cfg:      cfg,
		handlers: handlers,
		opts:     opts,
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupMiddleware 配置中间件
func (r *Router) setupMiddleware() {
	// 基础中间件
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.RequestID())

	// CORS 中间件
	r.engine.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: r.cfg.Security.CORS.AllowedOrigins,
		AllowedMethods: r.cfg.Security.CORS.AllowedMethods,
		AllowedHeaders: r.cfg.Security.CORS.AllowedHeaders,
	}))

	// 追踪中间件
	if r.cfg.Observability.Tracing.Enabled {
		r.engine.Use(middleware.Trace(r.cfg.App.Name))
		r.engine.Use(middleware.TraceContext())
	}

	// 指标中间件
	if r.cfg.Observability.Metrics.Enabled {
		r.engine.Use(middleware.Metrics())
	}

	skip := append([]string{}, middleware.DefaultAuditSkipPaths...)
	if p := r.cfg.Observability.Metrics.Path; p != "" {
		skip = append(skip, p)
	}
	r.engine.Use(middleware.Audit(middleware.AuditConfig{
		Enabled:   true,
		SkipPaths: skip,
		Publisher: r.opts.AuditPublisher,
	}))
}

// setupRoutes 配置路由
func (r *Router) setupRoutes() {
	// 系统端点
	r.engine.GET("/health", r.handlers.Health.Health)
	r.engine.GET("/ready", r.handlers.Health.Ready)
	r.engine.GET("/live", r.handlers.Health.Live)

	// Prometheus 指标端点
	if r.cfg.Observability.Metrics.Enabled {
		r.engine.GET(r.cfg.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	RegisterRoutes(r.engine, r.handlers, r.writeGuards()...)
}

// writeGuards 写入类路由的中间件：只读拦截、认证、限流
func (r *Router) writeGuards() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		middleware.ReadOnly(r.cfg.Phylesystem.ReadOnly),
		middleware.Auth(middleware.AuthConfig{
			Secret: r.cfg.Security.JWT.Secret,
			Issuer: r.cfg.Security.JWT.Issuer,
		}),
		middleware.RateLimit(middleware.RateLimitConfig{
			Enabled:           r.cfg.Security.RateLimit.Enabled,
			RequestsPerSecond: r.cfg.Security.RateLimit.RequestsPerSecond,
			Burst:             r.cfg.Security.RateLimit.Burst,
		}, r.opts.RateLimiter),
	}
}
