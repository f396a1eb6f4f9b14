// Package middleware 提供 HTTP 中间件
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/utils"
)

// ContextKeyAuth 认证后的作者信息
const ContextKeyAuth = "auth_info"

// AuthConfig 认证配置
type AuthConfig struct {
	// Secret JWT 密钥
	Secret string
	// Issuer JWT 签发者
	Issuer string
}

// Auth 认证中间件，只挂在写入类路由上
//
// Token 可以通过 Authorization: Bearer 头或 auth_token 参数传入。
func Auth(cfg AuthConfig) gin.HandlerFunc {
	jwtManager := utils.NewJWTManager(cfg.Secret, cfg.Issuer)

	return func(c *gin.Context) {
		token, err := extractToken(c)
		if err != nil {
			dto.Fail(c, err)
			return
		}

		claims, err := jwtManager.ParseToken(token)
		if err != nil {
			if errors.Is(err, utils.ErrExpiredToken) {
				dto.Fail(c, apperrors.ErrTokenExpired)
				return
			}
			dto.Fail(c, apperrors.ErrTokenInvalid)
			return
		}

		auth := entity.AuthInfo{Login: claims.Login, Name: claims.Name, Email: claims.Email}
		if auth.Name == "" {
			auth.Name = auth.Login
		}

		// 注入作者信息到 Context
		c.Set(ContextKeyAuth, auth)
		c.Set("login", auth.Login)
		ctx := logger.WithContext(c.Request.Context(), logger.LoginKey, auth.Login)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func extractToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", apperrors.ErrTokenInvalid.WithDetail("invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if token := c.Query(dto.ParamAuthToken); token != "" {
		return token, nil
	}
	if token := c.PostForm(dto.ParamAuthToken); token != "" {
		return token, nil
	}
	return "", apperrors.ErrTokenMissing
}

// AuthFromContext 读取认证后的作者信息
func AuthFromContext(c *gin.Context) (entity.AuthInfo, bool) {
	v, ok := c.Get(ContextKeyAuth)
	if !ok {
		return entity.AuthInfo{}, false
	}
	auth, ok := v.(entity.AuthInfo)
	return auth, ok
}
