package middleware

import (
	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/interfaces/http/dto"
	apperrors "phylesystem-api/pkg/errors"
)

// ReadOnly 只读模式下拒绝写入类请求，需在认证之前执行
func ReadOnly(readOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if readOnly {
			dto.Fail(c, apperrors.ErrReadOnly)
			return
		}
		c.Next()
	}
}
