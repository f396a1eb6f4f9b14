package dto

import (
	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/domain/entity"
)

// IDListResponse 文档 ID 列表
type IDListResponse []string

// BranchListResponse 未合并分支
type BranchListResponse struct {
	Envelope
	Branches []entity.BranchHead `json:"branches"`
}

// PushStatusResponse 推送健康状态，失败时附带记录字段
type PushStatusResponse map[string]any

// NewPushStatusResponse 展开失败记录字段
func NewPushStatusResponse(status *entity.PushStatus) PushStatusResponse {
	resp := PushStatusResponse{
		"error":             ErrorFlagOK,
		"doc_type":          string(status.Kind),
		"pushes_succeeding": status.Succeeded,
	}
	if status.Failure == nil {
		return resp
	}
	f := status.Failure
	resp["date"] = f.Date
	resp["commit"] = f.Commit
	resp["stacktrace"] = f.Detail
	if f.ResourceID != "" {
		resp[f.Kind.RecordKey()] = f.ResourceID
	}
	return resp
}

// PushHistoryResponse 已归档的推送故障
type PushHistoryResponse struct {
	Envelope
	Kind     entity.DocKind        `json:"doc_type"`
	Failures []*entity.PushFailure `json:"failures"`
}

// ConfigResponse 文档库配置
type ConfigResponse struct {
	Envelope
	*workflow.RepositoryInfo
}

// NexsonFormatResponse 文档库使用的 NexSON 版本
type NexsonFormatResponse struct {
	Description string `json:"description"`
	Nexml2JSON  string `json:"nexml2json"`
	MaxNumTrees int    `json:"max_num_trees,omitempty"`
}

// ExternalURLResponse 文档的公开地址
type ExternalURLResponse struct {
	Envelope
	ResourceID string `json:"resource_id"`
	URL        string `json:"url"`
}
