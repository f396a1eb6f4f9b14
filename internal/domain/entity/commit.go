package entity

import (
	"encoding/json"
	"time"
)

// CommitStatus 写入结果状态
type CommitStatus string

const (
	CommitStatusSuccess     CommitStatus = "success"
	CommitStatusMergeNeeded CommitStatus = "merge-needed"
	CommitStatusError       CommitStatus = "error"
)

// CommitResult 文档写入结果
type CommitResult struct {
	Status     CommitStatus `json:"status"`
	ResourceID string       `json:"resource_id"`
	// SHA 被写入分支的新头
	SHA        string `json:"sha"`
	BranchName string `json:"branch_name"`
	// MasterSHA 写入时已发布分支的头
	MasterSHA      string         `json:"master_sha,omitempty"`
	MergeNeeded    bool           `json:"merge_needed"`
	Description    string         `json:"description,omitempty"`
	VersionHistory []VersionEntry `json:"versionHistory,omitempty"`
}

// Published 结果是否已进入已发布分支
func (r *CommitResult) Published() bool {
	return r != nil && r.Status == CommitStatusSuccess && !r.MergeNeeded
}

// MergeResult 分支合并结果
type MergeResult struct {
	Destination   string `json:"destination"`
	Source        string `json:"source"`
	SHA           string `json:"merged_sha"`
	FastForward   bool   `json:"fast_forward"`
	AlreadyMerged bool   `json:"already_merged"`
}

// Annotation 校验注解，随文档一起提交
type Annotation struct {
	ID               string    `json:"@id"`
	Login            string    `json:"login,omitempty"`
	AuthorName       string    `json:"author_name,omitempty"`
	AuthorEmail      string    `json:"author_email,omitempty"`
	ValidatedAt      time.Time `json:"dateCreated"`
	ValidatorName    string    `json:"validator"`
	ValidatorVersion string    `json:"validator_version"`
	SchemaVersion    string    `json:"schema_version"`
	Passed           bool      `json:"passedChecks"`
	Messages         []string  `json:"messages"`
}

// ValidatedDocument 校验与规范化的产物
type ValidatedDocument struct {
	Content    json.RawMessage
	Annotation *Annotation
	// SourceVersion 输入文档声明的 NexSON 版本
	SourceVersion string
}
