// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	apperrors "phylesystem-api/pkg/errors"
)

// 统一的 error 字段取值
const (
	ErrorFlagOK   = 0
	ErrorFlagFail = 1
)

// Envelope 所有响应共有的 error 字段
type Envelope struct {
	Error int `json:"error"`
}

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error       int    `json:"error"`
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

// CommitResponse 写入结果
type CommitResponse struct {
	Envelope
	*entity.CommitResult
}

// ReadResponse 读取结果
type ReadResponse struct {
	Envelope
	*workflow.ReadOutput
}

// MergeResponse 合并结果
type MergeResponse struct {
	Envelope
	*entity.MergeResult
}

// PushResponse 同步推送结果
type PushResponse struct {
	Envelope
	*entity.PushOutcome
}

// OK 返回成功响应
func OK() Envelope {
	return Envelope{Error: ErrorFlagOK}
}

// Success 以 200 返回响应体
func Success(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

// Fail 将错误转换为统一错误响应并终止请求
func Fail(c *gin.Context, err error) {
	status, body := errorBody(c, err)
	c.AbortWithStatusJSON(status, body)
}

// FailWith 以指定状态码返回错误描述
func FailWith(c *gin.Context, status int, code apperrors.ErrorCode, description string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:       ErrorFlagFail,
		Description: description,
		Code:        string(code),
		TraceID:     c.GetString("trace_id"),
	})
}

func errorBody(c *gin.Context, err error) (int, ErrorResponse) {
	var appErr *apperrors.AppError
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.Is(err, context.DeadlineExceeded):
		appErr = apperrors.ErrServiceUnavailable.WithDetail("request timed out")
	case stderrors.Is(err, context.Canceled):
		appErr = apperrors.ErrServiceUnavailable.WithDetail("request canceled")
	default:
		// 未分类错误不向调用方暴露细节
		appErr = apperrors.ErrInternalError
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, ErrorResponse{
		Error:       ErrorFlagFail,
		Description: Describe(appErr),
		Code:        string(appErr.Code),
		TraceID:     c.GetString("trace_id"),
	}
}

// Describe 错误的可读描述
func Describe(appErr *apperrors.AppError) string {
	if appErr.Detail == "" {
		return appErr.Message
	}
	return appErr.Message + ": " + appErr.Detail
}
