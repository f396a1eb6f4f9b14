package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/infrastructure/persistence/postgres"
	"phylesystem-api/internal/infrastructure/persistence/redis"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry *workflow.Registry
	pg       *postgres.Client
	redis    *redis.Client
	version  string
}

// NewHealthHandler 创建健康检查处理器；pg 与 redis 未启用时传 nil
func NewHealthHandler(registry *workflow.Registry, pg *postgres.Client, redisClient *redis.Client, version string) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		pg:       pg,
		redis:    redisClient,
		version:  version,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type readinessResponse struct {
	Status string                     `json:"status"`
	Checks map[string]*readinessCheck `json:"checks,omitempty"`
}

// Health 健康检查接口
// @Summary 健康检查
// @Description 检查服务健康状态
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
	})
}

// Ready 就绪检查接口
// @Summary 就绪检查
// @Description 检查服务是否可以接收流量
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]*readinessCheck{}
	ready := true

	// 文档库（必需），每种文档类型各检查一次分支头
	if h.registry == nil || len(h.registry.Kinds()) == 0 {
		checks["docstore"] = &readinessCheck{Status: "missing", Error: "no document store configured"}
		ready = false
	} else {
		for _, kind := range h.registry.Kinds() {
			name := "docstore." + string(kind)
			check := runCheck(ctx, func(ctx context.Context) error {
				store, err := h.registry.Store(kind)
				if err != nil {
					return err
				}
				_, err = store.GetBranchHead(ctx, "")
				return err
			})
			if check.Status != "ok" {
				ready = false
			}
			checks[name] = check
		}
	}

	// Postgres / Redis 仅在启用时检查
	if h.pg == nil {
		checks["postgres"] = &readinessCheck{Status: "disabled"}
	} else {
		checks["postgres"] = runCheck(ctx, h.pg.HealthCheck)
		if checks["postgres"].Status != "ok" {
			ready = false
		}
	}
	if h.redis == nil {
		checks["redis"] = &readinessCheck{Status: "disabled"}
	} else {
		checks["redis"] = runCheck(ctx, h.redis.HealthCheck)
		if checks["redis"].Status != "ok" {
			ready = false
		}
	}

	resp := readinessResponse{
		Status: "ok",
		Checks: checks,
	}
	if !ready {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Live 存活检查接口
// @Summary 存活检查
// @Description 检查服务是否存活
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
	})
}

func runCheck(ctx context.Context, check func(context.Context) error) *readinessCheck {
	start := time.Now()
	err := check(ctx)
	res := &readinessCheck{LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		return res
	}
	res.Status = "ok"
	return res
}
