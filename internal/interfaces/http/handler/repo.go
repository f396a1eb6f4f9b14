package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
)

// RepoHandler 文档库级别的只读接口
type RepoHandler struct {
	svc *workflow.Service
}

// NewRepoHandler 创建处理器
func NewRepoHandler(svc *workflow.Service) *RepoHandler {
	return &RepoHandler{svc: svc}
}

// StudyList 已发布文档 ID 列表
// @Summary 文档列表
// @Tags Repository
// @Produce json
// @Param doc_type query string false "nexson | collection | amendment"
// @Success 200 {array} string
// @Router /v1/study_list [get]
func (h *RepoHandler) StudyList(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	ids, err := h.svc.ListIDs(c.Request.Context(), kind)
	if err != nil {
		dto.Fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	dto.Success(c, dto.IDListResponse(ids))
}

// UnmergedBranches 尚未合并的 WIP 分支
// @Summary 未合并分支
// @Tags Repository
// @Produce json
// @Success 200 {object} dto.BranchListResponse
// @Router /v1/unmerged_branches [get]
func (h *RepoHandler) UnmergedBranches(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	branches, err := h.svc.ListBranches(c.Request.Context(), kind)
	if err != nil {
		dto.Fail(c, err)
		return
	}
	if branches == nil {
		branches = []entity.BranchHead{}
	}
	dto.Success(c, dto.BranchListResponse{Envelope: dto.OK(), Branches: branches})
}

// PhylesystemConfig 文档库配置
// @Summary 文档库配置
// @Tags Repository
// @Produce json
// @Success 200 {object} dto.ConfigResponse
// @Router /v1/phylesystem_config [get]
func (h *RepoHandler) PhylesystemConfig(c *gin.Context) {
	info, err := h.svc.Config(c.Request.Context())
	if err != nil {
		dto.Fail(c, err)
		return
	}
	dto.Success(c, dto.ConfigResponse{Envelope: dto.OK(), RepositoryInfo: info})
}

// RepoNexsonFormat 文档库存储的 NexSON 版本
// @Summary NexSON 版本
// @Tags Repository
// @Produce json
// @Success 200 {object} dto.NexsonFormatResponse
// @Router /v1/repo_nexson_format [get]
func (h *RepoHandler) RepoNexsonFormat(c *gin.Context) {
	settings := h.svc.Settings()
	dto.Success(c, dto.NexsonFormatResponse{
		Description: fmt.Sprintf("The nexml2json property reports the version of the NexSON that is used in the document store (v%s)", settings.SchemaVersion),
		Nexml2JSON:  settings.SchemaVersion,
		MaxNumTrees: settings.MaxNumTrees,
	})
}

// ExternalURL 已发布文档的公开地址
// @Summary 文档公开地址
// @Tags Repository
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} dto.ExternalURLResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/external_url/{id} [get]
func (h *RepoHandler) ExternalURL(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	id := c.Param("id")
	url, err := h.svc.ExternalURL(c.Request.Context(), kind, id)
	if err != nil {
		dto.Fail(c, err)
		return
	}
	dto.Success(c, dto.ExternalURLResponse{Envelope: dto.OK(), ResourceID: id, URL: url})
}
