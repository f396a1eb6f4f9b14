// Package middleware 提供 HTTP 中间件
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/interfaces/http/dto"
	"phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
)

// Recovery Panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// 获取堆栈信息
				stack := string(debug.Stack())

				// 记录错误日志，堆栈只写日志不返回给调用方
				logger.Error(c.Request.Context(), "panic recovered",
					fmt.Errorf("%v", err),
					"stack", stack,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				dto.FailWith(c, http.StatusInternalServerError, errors.CodeInternalError, "internal server error")
			}
		}()

		c.Next()
	}
}
