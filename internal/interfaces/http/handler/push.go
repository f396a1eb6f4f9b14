package handler

import (
	"github.com/gin-gonic/gin"

	"phylesystem-api/internal/application/push"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/interfaces/http/dto"
	apperrors "phylesystem-api/pkg/errors"
)

// PushHandler 同步推送与推送状态
type PushHandler struct {
	pusher  push.Pusher
	tracker *push.FailureTracker
}

// NewPushHandler 创建推送处理器
func NewPushHandler(pusher push.Pusher, tracker *push.FailureTracker) *PushHandler {
	return &PushHandler{pusher: pusher, tracker: tracker}
}

// Push 立即推送已发布分支到远端
// @Summary 同步推送
// @Tags Push
// @Produce json
// @Param id path string false "触发推送的文档 ID"
// @Param doc_type query string false "nexson | collection | amendment"
// @Success 200 {object} dto.PushResponse
// @Failure 409 {object} dto.ErrorResponse "Could not push!"
// @Router /push/v1/{id} [put]
func (h *PushHandler) Push(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}

	out, err := h.pusher.PushNow(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodePushFailed) && out != nil {
			dto.Fail(c, apperrors.ErrPushFailed.WithDetail(out.Detail))
			return
		}
		dto.Fail(c, err)
		return
	}
	dto.Success(c, dto.PushResponse{Envelope: dto.OK(), PushOutcome: out})
}

// Status 推送健康状态
// @Summary 推送故障状态
// @Tags Push
// @Produce json
// @Param doc_type query string false "nexson | collection | amendment"
// @Success 200 {object} dto.PushStatusResponse
// @Router /v1/push_failure [get]
func (h *PushHandler) Status(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	if !kind.Implemented() {
		dto.Fail(c, apperrors.ErrNotImplemented)
		return
	}

	status, err := h.tracker.CurrentStatus(c.Request.Context(), kind)
	if err != nil {
		dto.Fail(c, apperrors.ErrStorage.WithError(err))
		return
	}
	dto.Success(c, dto.NewPushStatusResponse(status))
}

// History 已归档的推送故障
// @Summary 推送故障历史
// @Tags Push
// @Produce json
// @Param doc_type query string false "nexson | collection | amendment"
// @Success 200 {object} dto.PushHistoryResponse
// @Router /v1/push_failure/history [get]
func (h *PushHandler) History(c *gin.Context) {
	kind, ok := bindKind(c, entity.DocKindNexson)
	if !ok {
		return
	}
	if !kind.Implemented() {
		dto.Fail(c, apperrors.ErrNotImplemented)
		return
	}

	failures, err := h.tracker.History(c.Request.Context(), kind)
	if err != nil {
		dto.Fail(c, apperrors.ErrStorage.WithError(err))
		return
	}
	if failures == nil {
		failures = []*entity.PushFailure{}
	}
	dto.Success(c, dto.PushHistoryResponse{Envelope: dto.OK(), Kind: kind, Failures: failures})
}
