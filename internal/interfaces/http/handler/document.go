package handler

import (
	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
)

// DocumentHandler 文档读写处理器，按文档类型生成路由处理函数
type DocumentHandler struct {
	svc          *workflow.Service
	maxBodyBytes int64
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(svc *workflow.Service, maxBodyBytes int64) *DocumentHandler {
	return &DocumentHandler{svc: svc, maxBodyBytes: maxBodyBytes}
}

// Get 读取文档或子资源
// @Summary 读取文档
// @Tags Documents
// @Produce json
// @Param id path string true "文档 ID"
// @Param starting_commit_SHA query string false "读取的提交"
// @Success 200 {object} dto.ReadResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/study/{id} [get]
func (h *DocumentHandler) Get(kind entity.DocKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		tagKind(c, kind)
		out, err := h.svc.Read(c.Request.Context(), &workflow.ReadInput{
			Kind:          kind,
			ID:            c.Param("id"),
			CommitSHA:     c.Query(dto.ParamStartingCommitSHA),
			Subresource:   c.Param("sub"),
			SubresourceID: c.Param("subId"),
		})
		if err != nil {
			dto.Fail(c, err)
			return
		}
		dto.Success(c, dto.ReadResponse{Envelope: dto.OK(), ReadOutput: out})
	}
}

// Create 新建文档；路径中的 ID 为调用方指定的 ID
// @Summary 新建文档
// @Tags Documents
// @Accept json
// @Produce json
// @Param auth_token query string false "授权令牌"
// @Param defer_push query bool false "延后推送"
// @Success 200 {object} dto.CommitResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/study [post]
func (h *DocumentHandler) Create(kind entity.DocKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		tagKind(c, kind)
		auth, ok := requireAuth(c)
		if !ok {
			return
		}
		params, err := dto.BindWriteParams(c)
		if err != nil {
			dto.Fail(c, err)
			return
		}
		body, ok := readBody(c, h.maxBodyBytes)
		if !ok {
			return
		}

		res, err := h.svc.Create(c.Request.Context(), &workflow.CreateInput{
			Kind:          kind,
			Content:       body,
			Auth:          auth,
			RequestedID:   c.Param("id"),
			CommitMessage: params.CommitMessage,
			DeferPush:     params.DeferPush,
		})
		if err != nil {
			dto.Fail(c, err)
			return
		}
		dto.Success(c, dto.CommitResponse{Envelope: dto.OK(), CommitResult: res})
	}
}

// Update 基于 starting_commit_SHA 更新文档；分支已前进时返回 merge_needed
// @Summary 更新文档
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "文档 ID"
// @Param starting_commit_SHA query string true "调用方所见的分支头"
// @Param merged_SHA query string false "客户端合并所基于的已发布分支头"
// @Param commit_msg query string false "提交信息"
// @Success 200 {object} dto.CommitResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/study/{id} [put]
func (h *DocumentHandler) Update(kind entity.DocKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		tagKind(c, kind)
		auth, ok := requireAuth(c)
		if !ok {
			return
		}
		params, err := dto.BindWriteParams(c)
		if err != nil {
			dto.Fail(c, err)
			return
		}
		body, ok := readBody(c, h.maxBodyBytes)
		if !ok {
			return
		}

		res, err := h.svc.Update(c.Request.Context(), &workflow.UpdateInput{
			Kind:          kind,
			ID:            c.Param("id"),
			Content:       body,
			ParentSHA:     params.StartingCommitSHA,
			MergedSHA:     params.MergedSHA,
			Auth:          auth,
			CommitMessage: params.CommitMessage,
			DeferPush:     params.DeferPush,
		})
		if err != nil {
			dto.Fail(c, err)
			return
		}
		dto.Success(c, dto.CommitResponse{Envelope: dto.OK(), CommitResult: res})
	}
}

// Delete 删除文档
// @Summary 删除文档
// @Tags Documents
// @Produce json
// @Param id path string true "文档 ID"
// @Param starting_commit_SHA query string true "调用方所见的分支头"
// @Success 200 {object} dto.CommitResponse
// @Router /v1/study/{id} [delete]
func (h *DocumentHandler) Delete(kind entity.DocKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		tagKind(c, kind)
		auth, ok := requireAuth(c)
		if !ok {
			return
		}
		params, err := dto.BindWriteParams(c)
		if err != nil {
			dto.Fail(c, err)
			return
		}

		res, err := h.svc.Delete(c.Request.Context(), &workflow.DeleteInput{
			Kind:          kind,
			ID:            c.Param("id"),
			ParentSHA:     params.StartingCommitSHA,
			Auth:          auth,
			CommitMessage: params.CommitMessage,
		})
		if err != nil {
			dto.Fail(c, err)
			return
		}
		dto.Success(c, dto.CommitResponse{Envelope: dto.OK(), CommitResult: res})
	}
}
