// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/domain/entity"
	apperrors "phylesystem-api/pkg/errors"
)

// 请求参数名
const (
	ParamStartingCommitSHA = "starting_commit_SHA"
	ParamMergedSHA         = "merged_SHA"
	ParamCommitMessage     = "commit_msg"
	ParamDeferPush         = "defer_push"
	ParamDocType           = "doc_type"
	ParamAuthToken         = "auth_token"
)

// WriteParams 写入类请求的公共参数
type WriteParams struct {
	StartingCommitSHA string
	MergedSHA         string
	CommitMessage     string
	DeferPush         bool
}

// BindWriteParams 从查询串或表单读取写入参数
func BindWriteParams(c *gin.Context) (WriteParams, error) {
	p := WriteParams{
		StartingCommitSHA: param(c, ParamStartingCommitSHA),
		MergedSHA:         param(c, ParamMergedSHA),
		CommitMessage:     param(c, ParamCommitMessage),
	}
	if raw := param(c, ParamDeferPush); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("%s must be a boolean", ParamDeferPush))
		}
		p.DeferPush = v
	}
	return p, nil
}

// BindDocKind 读取 doc_type 参数，缺省时使用 def
func BindDocKind(c *gin.Context, def entity.DocKind) (entity.DocKind, error) {
	raw := param(c, ParamDocType)
	if raw == "" {
		return def, nil
	}
	kind, err := entity.ParseDocKind(raw)
	if err != nil {
		return "", apperrors.ErrInvalidParam.WithDetail(err.Error())
	}
	return kind, nil
}

// param 查询串优先，其次是表单
func param(c *gin.Context, name string) string {
	if v, ok := c.GetQuery(name); ok {
		return strings.TrimSpace(v)
	}
	if c.ContentType() == "application/x-www-form-urlencoded" || c.ContentType() == "multipart/form-data" {
		return strings.TrimSpace(c.PostForm(name))
	}
	return ""
}
