package handler

import (
	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
)

// MergeHandler 分支合并处理器
type MergeHandler struct {
	merger *workflow.Merger
}

// NewMergeHandler 创建合并处理器
func NewMergeHandler(merger *workflow.Merger) *MergeHandler {
	return &MergeHandler{merger: merger}
}

// CheckBranches 在认证之前拒绝无效的分支组合
func (h *MergeHandler) CheckBranches(c *gin.Context) {
	if err := workflow.ValidateMergeBranches(c.Param("branchA"), c.Param("branchB")); err != nil {
		dto.Fail(c, err)
		return
	}
	c.Next()
}

// Merge 将 branchB 合并进 branchA
// @Summary 合并分支
// @Tags Merge
// @Produce json
// @Param branchA path string true "目标分支"
// @Param branchB path string true "来源分支"
// @Param doc_type query string false "nexson | collection | amendment"
// @Success 200 {object} dto.MergeResponse
// @Failure 409 {object} dto.ErrorResponse "合并冲突"
// @Router /merge/v1/{branchA}/{branchB} [put]
func (h *MergeHandler) Merge(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	auth, ok := requireAuth(c)
	if !ok {
		return
	}

	res, err := h.merger.Merge(c.Request.Context(), &workflow.MergeInput{
		Kind:        kind,
		Destination: c.Param("branchA"),
		Source:      c.Param("branchB"),
		Auth:        auth,
	})
	if err != nil {
		dto.Fail(c, err)
		return
	}
	dto.Success(c, dto.MergeResponse{Envelope: dto.OK(), MergeResult: res})
}
