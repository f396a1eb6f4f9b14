package repository

import (
	"context"

	"phylesystem-api/internal/domain/entity"
)

// MasterBranch 已发布分支
const MasterBranch = "master"

// CommitRequest 写入请求
type CommitRequest struct {
	ResourceID string
	Content    []byte
	// ParentSHA 客户端读取文档时的提交；新建时为空
	ParentSHA string
	// MergedSHA 客户端已合并进来的已发布分支头
	MergedSHA string
	Author    entity.AuthInfo
	Message   string
	// Create 新建文档，要求文档在已发布分支中不存在
	Create bool
}

// DeleteRequest 删除请求
type DeleteRequest struct {
	ResourceID string
	ParentSHA  string
	Author     entity.AuthInfo
	Message    string
}

// DocumentStore 单一文档类型的版本化存储网关
//
// CreateCommit / DeleteCommit 的“检查父提交是否为分支头并写入”必须是单个原子操作。
// 父提交过期时不修改已发布分支，而是返回 merge-needed。
type DocumentStore interface {
	// Kind 存储的文档类型
	Kind() entity.DocKind

	// NewID 分配新的文档 ID
	NewID(ctx context.Context) (string, error)

	// GetBranchHead 已发布分支头；id 非空时要求文档存在
	GetBranchHead(ctx context.Context, id string) (string, error)

	// Read 读取指定提交（空表示已发布分支头）下的文档
	Read(ctx context.Context, id, commitSHA string) (*entity.DocumentSnapshot, error)

	// CreateCommit 新建或更新文档
	CreateCommit(ctx context.Context, req *CommitRequest) (*entity.CommitResult, error)

	// DeleteCommit 删除文档
	DeleteCommit(ctx context.Context, req *DeleteRequest) (*entity.CommitResult, error)

	// MergeBranches 将 src 合并进 dest
	MergeBranches(ctx context.Context, dest, src string) (*entity.MergeResult, error)

	// GetHistory 已发布分支上修改过该文档的提交，按时间倒序
	GetHistory(ctx context.Context, id string) ([]entity.VersionEntry, error)

	// ListIDs 已发布分支中的全部文档 ID
	ListIDs(ctx context.Context) ([]string, error)

	// ListBranches 未合并的 WIP 分支
	ListBranches(ctx context.Context) ([]entity.BranchHead, error)

	// WIPBranches 承载该文档编辑的 WIP 分支及其分支头
	WIPBranches(ctx context.Context, id string) (map[string]string, error)

	// PushToRemote 将已发布分支推送到远端镜像
	PushToRemote(ctx context.Context, remote string) error
}
