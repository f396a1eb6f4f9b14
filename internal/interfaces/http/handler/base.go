// Package handler 提供 HTTP 请求处理器
package handler

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
	"phylesystem-api/internal/interfaces/http/middleware"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
)

// DefaultMaxBodyBytes 请求体上限的默认值
const DefaultMaxBodyBytes int64 = 32 << 20

// readBody 读取请求体，超过上限时返回 413
func readBody(c *gin.Context, limit int64) ([]byte, bool) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			dto.FailWith(c, http.StatusRequestEntityTooLarge, apperrors.CodeInvalidParam,
				fmt.Sprintf("request body exceeds %d bytes", limit))
			return nil, false
		}
		dto.Fail(c, apperrors.ErrInvalidParam.WithDetail("failed to read request body"))
		return nil, false
	}
	return body, true
}

// requireAuth 写入类请求必须经过认证中间件
func requireAuth(c *gin.Context) (entity.AuthInfo, bool) {
	auth, ok := middleware.AuthFromContext(c)
	if !ok || auth.Login == "" {
		dto.Fail(c, apperrors.ErrTokenMissing)
		return entity.AuthInfo{}, false
	}
	return auth, true
}

// bindKind 解析 doc_type 参数并记录到请求上下文
func bindKind(c *gin.Context, def entity.DocKind) (entity.DocKind, bool) {
	kind, err := dto.BindDocKind(c, def)
	if err != nil {
		dto.Fail(c, err)
		return "", false
	}
	tagKind(c, kind)
	return kind, true
}

func tagKind(c *gin.Context, kind entity.DocKind) {
	c.Set("doc_type", string(kind))
	c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), logger.DocTypeKey, string(kind)))
}
