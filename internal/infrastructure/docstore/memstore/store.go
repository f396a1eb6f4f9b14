// Package memstore 提供基于内存提交图的文档存储，用于开发环境与测试
package memstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/internal/infrastructure/docstore"
	apperrors "phylesystem-api/pkg/errors"
)

// systemAuthor 合并提交使用的身份
var systemAuthor = entity.AuthInfo{Login: "phylesystem-api", Name: "Phylesystem API", Email: "api@opentreeoflife.org"}

type commit struct {
	sha     string
	parents []string
	tree    map[string][]byte
	author  entity.AuthInfo
	message string
	when    time.Time
}

// PushFunc 模拟远端推送，返回错误表示推送失败
type PushFunc func(ctx context.Context, remote, head string) error

// Store 内存文档存储
// 所有读写都在同一把锁内完成，检查分支头与更新分支头天然原子
type Store struct {
	mu       sync.RWMutex
	kind     entity.DocKind
	idPrefix string
	commits  map[string]*commit
	branches map[string]string
	remotes  map[string]string
	lastID   int
	seq      uint64
	now      func() time.Time
	pushFn   PushFunc
}

// Option Store 选项
type Option func(*Store)

// WithIDPrefix 设置新文档 ID 前缀
func WithIDPrefix(prefix string) Option {
	return func(s *Store) { s.idPrefix = prefix }
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPushFunc 设置远端推送行为
func WithPushFunc(fn PushFunc) Option {
	return func(s *Store) { s.pushFn = fn }
}

// New 创建内存存储，初始包含一个空的根提交
func New(kind entity.DocKind, opts ...Option) *Store {
	s := &Store{
		kind:     kind,
		idPrefix: defaultPrefix(kind),
		commits:  make(map[string]*commit),
		branches: make(map[string]string),
		remotes:  make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	root := s.newCommit(nil, map[string][]byte{}, systemAuthor, "Initial commit")
	s.branches[repository.MasterBranch] = root.sha
	return s
}

func defaultPrefix(kind entity.DocKind) string {
	switch kind {
	case entity.DocKindNexson:
		return "ot_"
	case entity.DocKindAmendment:
		return "additions-"
	default:
		return kind.PathPrefix() + "-"
	}
}

var _ repository.DocumentStore = (*Store)(nil)

// Kind 文档类型
func (s *Store) Kind() entity.DocKind {
	return s.kind
}

// NewID 分配新 ID
func (s *Store) NewID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, n := docstore.NextNumericID(s.idPrefix, docstore.SortedKeys(s.masterTree()), s.lastID)
	s.lastID = n
	return id, nil
}

// GetBranchHead 已发布分支头
func (s *Store) GetBranchHead(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		if _, ok := s.masterTree()[id]; !ok {
			return "", apperrors.ErrDocumentNotFound.WithDetail(id)
		}
	}
	return s.branches[repository.MasterBranch], nil
}

// Read 读取文档
func (s *Store) Read(ctx context.Context, id, commitSHA string) (*entity.DocumentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if commitSHA == "" {
		commitSHA = s.branches[repository.MasterBranch]
	}
	c, ok := s.commits[commitSHA]
	if !ok {
		return nil, apperrors.ErrCommitNotFound.WithDetail(commitSHA)
	}
	content, ok := c.tree[id]
	if !ok {
		return nil, apperrors.ErrDocumentNotFound.WithDetail(id)
	}

	return &entity.DocumentSnapshot{
		ResourceID: id,
		Content:    append([]byte(nil), content...),
		HeadSHA:    commitSHA,
		WIP:        s.wipFor(id),
	}, nil
}

// CreateCommit 新建或更新文档
func (s *Store) CreateCommit(ctx context.Context, req *repository.CommitRequest) (*entity.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	master := s.branches[repository.MasterBranch]
	id := req.ResourceID

	if req.Create {
		if _, exists := s.commits[master].tree[id]; exists {
			return nil, apperrors.ErrDocumentExists.WithDetail(id)
		}
		c := s.newCommit([]string{master}, withDoc(s.commits[master].tree, id, req.Content), req.Author, req.Message)
		s.branches[repository.MasterBranch] = c.sha
		return successResult(id, c.sha), nil
	}

	parent, ok := s.commits[req.ParentSHA]
	if !ok {
		return nil, apperrors.ErrCommitNotFound.WithDetail(req.ParentSHA)
	}
	if _, ok := parent.tree[id]; !ok {
		return nil, apperrors.ErrDocumentNotFound.WithDetail(id)
	}

	switch {
	case req.ParentSHA == master:
		c := s.newCommit([]string{master}, withDoc(parent.tree, id, req.Content), req.Author, req.Message)
		s.branches[repository.MasterBranch] = c.sha
		return successResult(id, c.sha), nil

	case req.MergedSHA != "" && req.MergedSHA == master && s.isAncestor(master, req.ParentSHA):
		// 客户端已把最新的已发布分支合并进来，直接快进
		c := s.newCommit([]string{req.ParentSHA}, withDoc(parent.tree, id, req.Content), req.Author, req.Message)
		s.branches[repository.MasterBranch] = c.sha
		s.dropAuthorBranchesAt(req.Author.Login, id, req.ParentSHA)
		return successResult(id, c.sha), nil

	default:
		branch := s.authorBranchAt(req.Author.Login, id, req.ParentSHA)
		if branch == "" {
			branch = docstore.NextWIPBranchName(docstore.SortedKeys(s.branches), req.Author.Login, s.kind, id)
		}
		c := s.newCommit([]string{req.ParentSHA}, withDoc(parent.tree, id, req.Content), req.Author, req.Message)
		s.branches[branch] = c.sha
		return &entity.CommitResult{
			Status:      entity.CommitStatusMergeNeeded,
			ResourceID:  id,
			SHA:         c.sha,
			BranchName:  branch,
			MasterSHA:   master,
			MergeNeeded: true,
		}, nil
	}
}

// DeleteCommit 删除文档，父提交过期时不做任何写入
func (s *Store) DeleteCommit(ctx context.Context, req *repository.DeleteRequest) (*entity.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	master := s.branches[repository.MasterBranch]
	parent, ok := s.commits[req.ParentSHA]
	if !ok {
		return nil, apperrors.ErrCommitNotFound.WithDetail(req.ParentSHA)
	}
	if _, ok := parent.tree[req.ResourceID]; !ok {
		return nil, apperrors.ErrDocumentNotFound.WithDetail(req.ResourceID)
	}
	if req.ParentSHA != master {
		return &entity.CommitResult{
			Status:      entity.CommitStatusMergeNeeded,
			ResourceID:  req.ResourceID,
			BranchName:  repository.MasterBranch,
			MasterSHA:   master,
			MergeNeeded: true,
		}, nil
	}

	tree := withoutDoc(parent.tree, req.ResourceID)
	c := s.newCommit([]string{master}, tree, req.Author, req.Message)
	s.branches[repository.MasterBranch] = c.sha
	return successResult(req.ResourceID, c.sha), nil
}

// MergeBranches 将 src 合并进 dest
func (s *Store) MergeBranches(ctx context.Context, dest, src string) (*entity.MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dest == src {
		return nil, apperrors.ErrInvalidParam.WithDetail("cannot merge a branch into itself")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dh, ok := s.branches[dest]
	if !ok {
		return nil, apperrors.ErrBranchNotFound.WithDetail(dest)
	}
	sh, ok := s.branches[src]
	if !ok {
		return nil, apperrors.ErrBranchNotFound.WithDetail(src)
	}
	res := &entity.MergeResult{Destination: dest, Source: src}

	if s.isAncestor(sh, dh) {
		res.SHA, res.AlreadyMerged = dh, true
		return res, nil
	}
	if s.isAncestor(dh, sh) {
		s.branches[dest] = sh
		res.SHA, res.FastForward = sh, true
		return res, nil
	}

	base := s.mergeBase(dh, sh)
	var baseTree map[string][]byte
	if base != "" {
		baseTree = s.commits[base].tree
	}
	tree, conflicts := docstore.ThreeWayMerge(baseTree, s.commits[dh].tree, s.commits[sh].tree)
	if len(conflicts) > 0 {
		return nil, apperrors.ErrMergeConflict.WithDetail("conflicting documents: " + strings.Join(conflicts, ", "))
	}

	c := s.newCommit([]string{dh, sh}, tree, systemAuthor, docstore.MergeCommitMessage(dest, src))
	s.branches[dest] = c.sha
	res.SHA = c.sha
	return res, nil
}

// GetHistory 沿已发布分支的第一父提交回溯
func (s *Store) GetHistory(ctx context.Context, id string) ([]entity.VersionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var history []entity.VersionEntry
	for sha := s.branches[repository.MasterBranch]; sha != ""; {
		c := s.commits[sha]
		var prev []byte
		var prevOK bool
		next := ""
		if len(c.parents) > 0 {
			next = c.parents[0]
			prev, prevOK = s.commits[next].tree[id]
		}
		cur, curOK := c.tree[id]
		if curOK != prevOK || string(cur) != string(prev) {
			history = append(history, entity.VersionEntry{
				SHA:         c.sha,
				AuthorName:  c.author.DisplayName(),
				AuthorEmail: c.author.MailAddress(),
				Date:        c.when,
				Message:     c.message,
			})
		}
		sha = next
	}
	return history, nil
}

// ListIDs 已发布分支中的文档 ID
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docstore.SortedKeys(s.masterTree()), nil
}

// ListBranches 尚未合并进已发布分支的分支
func (s *Store) ListBranches(ctx context.Context) ([]entity.BranchHead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	master := s.branches[repository.MasterBranch]
	var out []entity.BranchHead
	for _, name := range docstore.SortedKeys(s.branches) {
		head := s.branches[name]
		if name == repository.MasterBranch || s.isAncestor(head, master) {
			continue
		}
		out = append(out, entity.BranchHead{Name: name, SHA: head})
	}
	return out, nil
}

// WIPBranches 承载该文档编辑的 WIP 分支
func (s *Store) WIPBranches(ctx context.Context, id string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wipFor(id), nil
}

// PushToRemote 记录远端镜像的分支头
func (s *Store) PushToRemote(ctx context.Context, remote string) error {
	s.mu.RLock()
	head := s.branches[repository.MasterBranch]
	pushFn := s.pushFn
	s.mu.RUnlock()

	if pushFn != nil {
		if err := pushFn(ctx, remote, head); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.remotes[remote] = head
	s.mu.Unlock()
	return nil
}

// RemoteHead 远端镜像记录的分支头
func (s *Store) RemoteHead(remote string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remotes[remote]
}

func (s *Store) masterTree() map[string][]byte {
	return s.commits[s.branches[repository.MasterBranch]].tree
}

func (s *Store) newCommit(parents []string, tree map[string][]byte, author entity.AuthInfo, message string) *commit {
	s.seq++
	c := &commit{
		parents: parents,
		tree:    tree,
		author:  author,
		message: message,
		when:    s.now().UTC(),
	}
	c.sha = hashCommit(c, s.seq)
	s.commits[c.sha] = c
	return c
}

func hashCommit(c *commit, seq uint64) string {
	h := sha1.New()
	fmt.Fprintf(h, "parents %s\n", strings.Join(c.parents, " "))
	for _, id := range docstore.SortedKeys(c.tree) {
		sum := sha1.Sum(c.tree[id])
		fmt.Fprintf(h, "doc %s %x\n", id, sum)
	}
	fmt.Fprintf(h, "author %s\nwhen %d\nseq %d\n\n%s", c.author.Login, c.when.UnixNano(), seq, c.message)
	return hex.EncodeToString(h.Sum(nil))
}

// isAncestor a 是否可从 b 回溯到（含 b 自身）
func (s *Store) isAncestor(a, b string) bool {
	seen := map[string]bool{}
	queue := []string{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == a {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if c, ok := s.commits[cur]; ok {
			queue = append(queue, c.parents...)
		}
	}
	return false
}

// mergeBase 从 b 出发广度优先找到的第一个 a 的祖先
func (s *Store) mergeBase(a, b string) string {
	ancestors := map[string]bool{}
	queue := []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if ancestors[cur] {
			continue
		}
		ancestors[cur] = true
		queue = append(queue, s.commits[cur].parents...)
	}

	seen := map[string]bool{}
	queue = []string{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if ancestors[cur] {
			return cur
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, s.commits[cur].parents...)
	}
	return ""
}

func (s *Store) wipFor(id string) map[string]string {
	master := s.branches[repository.MasterBranch]
	out := map[string]string{}
	for name, head := range s.branches {
		if docstore.IsWIPBranchFor(name, s.kind, id) && !s.isAncestor(head, master) {
			out[name] = head
		}
	}
	return out
}

func (s *Store) authorBranchAt(login, id, head string) string {
	var names []string
	for name, h := range s.branches {
		if h == head && docstore.IsAuthorWIPBranch(name, login, s.kind, id) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

func (s *Store) dropAuthorBranchesAt(login, id, head string) {
	for name, h := range s.branches {
		if h == head && docstore.IsAuthorWIPBranch(name, login, s.kind, id) {
			delete(s.branches, name)
		}
	}
}

func withDoc(tree map[string][]byte, id string, content []byte) map[string][]byte {
	out := make(map[string][]byte, len(tree)+1)
	for k, v := range tree {
		out[k] = v
	}
	out[id] = append([]byte(nil), content...)
	return out
}

func withoutDoc(tree map[string][]byte, id string) map[string][]byte {
	out := make(map[string][]byte, len(tree))
	for k, v := range tree {
		if k != id {
			out[k] = v
		}
	}
	return out
}

func successResult(id, sha string) *entity.CommitResult {
	return &entity.CommitResult{
		Status:     entity.CommitStatusSuccess,
		ResourceID: id,
		SHA:        sha,
		BranchName: repository.MasterBranch,
		MasterSHA:  sha,
	}
}
