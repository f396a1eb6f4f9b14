// Package gitstore 通过 git 命令行驱动裸仓库实现文档存储
//
// 所有写入都用底层命令在临时索引上构造树与提交，最后以
// `git update-ref <ref> <new> <old>` 比较并交换分支头，
// 因此“父提交是否仍为分支头”的检查与写入是同一个原子操作。
package gitstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/internal/infrastructure/docstore"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
)

const (
	masterRef     = "refs/heads/" + repository.MasterBranch
	maxCASRetries = 5
	fieldSep      = "\x1f"
	nullSHA       = "0000000000000000000000000000000000000000"
)

var (
	systemAuthor = entity.AuthInfo{Login: "phylesystem-api", Name: "Phylesystem API", Email: "api@opentreeoflife.org"}
	errRefMoved  = errors.New("ref moved concurrently")
	// objectID 完整的提交对象 ID（SHA-1 或 SHA-256）
	objectID = regexp.MustCompile(`^([0-9a-f]{40}|[0-9a-f]{64})$`)
)

// Store git 文档存储
type Store struct {
	git      *Runner
	kind     entity.DocKind
	idPrefix string
	now      func() time.Time

	// mu 串行化本进程内的 ID 分配与 WIP 分支选择；跨进程正确性由 update-ref 保证
	mu     sync.Mutex
	lastID int
}

// Option Store 选项
type Option func(*Store)

// WithIDPrefix 设置新文档 ID 前缀
func WithIDPrefix(prefix string) Option {
	return func(s *Store) { s.idPrefix = prefix }
}

// WithClock 设置提交时间来源
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ repository.DocumentStore = (*Store)(nil)

// Open 打开仓库，不存在时初始化裸仓库与空的 master
func Open(ctx context.Context, git *Runner, kind entity.DocKind, opts ...Option) (*Store, error) {
	s := &Store{
		git:      git,
		kind:     kind,
		idPrefix: kind.PathPrefix() + "-",
		now:      time.Now,
	}
	if kind == entity.DocKindNexson {
		s.idPrefix = "ot_"
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(git.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(git.Dir, "HEAD")); os.IsNotExist(err) {
		if _, err := git.Run(ctx, "init", "--bare", "--quiet"); err != nil {
			return nil, fmt.Errorf("init repo: %w", err)
		}
		logger.Info(ctx, "initialized document repository", "dir", git.Dir, "doc_type", string(kind))
	}

	if _, ok, err := s.resolve(ctx, masterRef); err != nil {
		return nil, err
	} else if !ok {
		if err := s.initMaster(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initMaster(ctx context.Context) error {
	res, err := s.git.RunWithInput(ctx, nil, strings.NewReader(""), "mktree")
	if err != nil {
		return fmt.Errorf("write empty tree: %w", err)
	}
	root, err := s.commitTree(ctx, strings.TrimSpace(res.Stdout), nil, systemAuthor, "Initial commit")
	if err != nil {
		return err
	}
	if err := s.casRef(ctx, masterRef, root, ""); err != nil && !errors.Is(err, errRefMoved) {
		return err
	}
	return nil
}

// Kind 文档类型
func (s *Store) Kind() entity.DocKind {
	return s.kind
}

// NewID 分配新 ID
func (s *Store) NewID(ctx context.Context) (string, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, n := docstore.NextNumericID(s.idPrefix, ids, s.lastID)
	s.lastID = n
	return id, nil
}

// GetBranchHead 已发布分支头
func (s *Store) GetBranchHead(ctx context.Context, id string) (string, error) {
	master, err := s.master(ctx)
	if err != nil {
		return "", err
	}
	if id != "" {
		ok, err := s.hasDoc(ctx, master, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apperrors.ErrDocumentNotFound.WithDetail(id)
		}
	}
	return master, nil
}

// Read 读取文档
func (s *Store) Read(ctx context.Context, id, commitSHA string) (*entity.DocumentSnapshot, error) {
	if commitSHA == "" {
		master, err := s.master(ctx)
		if err != nil {
			return nil, err
		}
		commitSHA = master
	} else {
		ok, err := s.commitExists(ctx, commitSHA)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.ErrCommitNotFound.WithDetail(commitSHA)
		}
	}

	ok, err := s.hasDoc(ctx, commitSHA, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrDocumentNotFound.WithDetail(id)
	}
	res, err := s.git.Run(ctx, "cat-file", "blob", commitSHA+":"+s.docPath(id))
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", id, commitSHA, err)
	}

	wip, err := s.WIPBranches(ctx, id)
	if err != nil {
		return nil, err
	}

	return &entity.DocumentSnapshot{
		ResourceID: id,
		Content:    []byte(res.Stdout),
		HeadSHA:    commitSHA,
		WIP:        wip,
	}, nil
}

// CreateCommit 新建或更新文档
func (s *Store) CreateCommit(ctx context.Context, req *repository.CommitRequest) (*entity.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ResourceID
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		master, err := s.master(ctx)
		if err != nil {
			return nil, err
		}

		if req.Create {
			exists, err := s.hasDoc(ctx, master, id)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, apperrors.ErrDocumentExists.WithDetail(id)
			}
			sha, err := s.commitDoc(ctx, master, []string{master}, id, req.Content, req.Author, req.Message)
			if err != nil {
				return nil, err
			}
			if err := s.casRef(ctx, masterRef, sha, master); err != nil {
				if errors.Is(err, errRefMoved) {
					continue
				}
				return nil, err
			}
			return successResult(id, sha), nil
		}

		if err := s.checkParent(ctx, req.ParentSHA, id); err != nil {
			return nil, err
		}

		if req.ParentSHA == master {
			sha, err := s.commitDoc(ctx, master, []string{master}, id, req.Content, req.Author, req.Message)
			if err != nil {
				return nil, err
			}
			if err := s.casRef(ctx, masterRef, sha, master); err != nil {
				if errors.Is(err, errRefMoved) {
					continue
				}
				return nil, err
			}
			return successResult(id, sha), nil
		}

		if req.MergedSHA != "" && req.MergedSHA == master {
			contained, err := s.isAncestor(ctx, master, req.ParentSHA)
			if err != nil {
				return nil, err
			}
			if contained {
				sha, err := s.commitDoc(ctx, req.ParentSHA, []string{req.ParentSHA}, id, req.Content, req.Author, req.Message)
				if err != nil {
					return nil, err
				}
				if err := s.casRef(ctx, masterRef, sha, master); err != nil {
					if errors.Is(err, errRefMoved) {
						continue
					}
					return nil, err
				}
				s.dropAuthorBranchesAt(ctx, req.Author.Login, id, req.ParentSHA)
				return successResult(id, sha), nil
			}
		}

		branch, oldHead, err := s.pickWIPBranch(ctx, req.Author.Login, id, req.ParentSHA)
		if err != nil {
			return nil, err
		}
		sha, err := s.commitDoc(ctx, req.ParentSHA, []string{req.ParentSHA}, id, req.Content, req.Author, req.Message)
		if err != nil {
			return nil, err
		}
		if err := s.casRef(ctx, "refs/heads/"+branch, sha, oldHead); err != nil {
			if errors.Is(err, errRefMoved) {
				continue
			}
			return nil, err
		}
		return &entity.CommitResult{
			Status:      entity.CommitStatusMergeNeeded,
			ResourceID:  id,
			SHA:         sha,
			BranchName:  branch,
			MasterSHA:   master,
			MergeNeeded: true,
		}, nil
	}
	return nil, apperrors.ErrStorage.WithDetail("branch head kept moving, retry later")
}

// DeleteCommit 删除文档，父提交过期时不写入
func (s *Store) DeleteCommit(ctx context.Context, req *repository.DeleteRequest) (*entity.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		master, err := s.master(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.checkParent(ctx, req.ParentSHA, req.ResourceID); err != nil {
			return nil, err
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
		sha, err := s.commitDoc(ctx, master, []string{master}, req.ResourceID, nil, req.Author, req.Message)
		if err != nil {
			return nil, err
		}
		if err := s.casRef(ctx, masterRef, sha, master); err != nil {
			if errors.Is(err, errRefMoved) {
				continue
			}
			return nil, err
		}
		return successResult(req.ResourceID, sha), nil
	}
	return nil, apperrors.ErrStorage.WithDetail("branch head kept moving, retry later")
}

// MergeBranches 将 src 合并进 dest；冲突时两侧分支均不修改
func (s *Store) MergeBranches(ctx context.Context, dest, src string) (*entity.MergeResult, error) {
	if dest == src {
		return nil, apperrors.ErrInvalidParam.WithDetail("cannot merge a branch into itself")
	}
	destRef, srcRef := "refs/heads/"+dest, "refs/heads/"+src
	dh, ok, err := s.resolve(ctx, destRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrBranchNotFound.WithDetail(dest)
	}
	sh, ok, err := s.resolve(ctx, srcRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrBranchNotFound.WithDetail(src)
	}
	res := &entity.MergeResult{Destination: dest, Source: src}

	if contained, err := s.isAncestor(ctx, sh, dh); err != nil {
		return nil, err
	} else if contained {
		res.SHA, res.AlreadyMerged = dh, true
		return res, nil
	}
	if behind, err := s.isAncestor(ctx, dh, sh); err != nil {
		return nil, err
	} else if behind {
		if err := s.casRef(ctx, destRef, sh, dh); err != nil {
			return nil, s.mergeRefError(dest, err)
		}
		res.SHA, res.FastForward = sh, true
		return res, nil
	}

	out, err := s.git.Run(ctx, "merge-tree", "--write-tree", "--name-only", "--no-messages", dh, sh)
	if err != nil {
		if ExitCode(err) == 1 {
			return nil, apperrors.ErrMergeConflict.WithDetail("conflicting documents: " + strings.Join(s.conflictIDs(out.Stdout), ", "))
		}
		return nil, fmt.Errorf("merge-tree %s %s: %w", dest, src, err)
	}
	tree := firstLine(out.Stdout)
	sha, err := s.commitTree(ctx, tree, []string{dh, sh}, systemAuthor, docstore.MergeCommitMessage(dest, src))
	if err != nil {
		return nil, err
	}
	if err := s.casRef(ctx, destRef, sha, dh); err != nil {
		return nil, s.mergeRefError(dest, err)
	}
	res.SHA = sha
	return res, nil
}

// GetHistory 已发布分支上修改过该文档的提交
func (s *Store) GetHistory(ctx context.Context, id string) ([]entity.VersionEntry, error) {
	format := strings.Join([]string{"%H", "%an", "%ae", "%at", "%s"}, fieldSep)
	res, err := s.git.Run(ctx, "log", "--first-parent", "--format="+format, masterRef, "--", s.docPath(id))
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", id, err)
	}

	var history []entity.VersionEntry
	for _, line := range splitLines(res.Stdout) {
		parts := strings.SplitN(line, fieldSep, 5)
		if len(parts) != 5 {
			continue
		}
		secs, _ := strconv.ParseInt(parts[3], 10, 64)
		history = append(history, entity.VersionEntry{
			SHA:         parts[0],
			AuthorName:  parts[1],
			AuthorEmail: parts[2],
			Date:        time.Unix(secs, 0).UTC(),
			Message:     parts[4],
		})
	}
	return history, nil
}

// ListIDs 已发布分支中的文档 ID
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	res, err := s.git.Run(ctx, "ls-tree", "--name-only", masterRef, "--", s.kind.PathPrefix()+"/")
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var ids []string
	for _, line := range splitLines(res.Stdout) {
		if id, ok := docstore.DocIDFromFilename(path.Base(line)); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListBranches 尚未合并进已发布分支的分支
func (s *Store) ListBranches(ctx context.Context) ([]entity.BranchHead, error) {
	res, err := s.git.Run(ctx, "for-each-ref", "--format=%(refname:short)"+fieldSep+"%(objectname)",
		"--no-merged="+masterRef, "refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	var out []entity.BranchHead
	for _, line := range splitLines(res.Stdout) {
		parts := strings.SplitN(line, fieldSep, 2)
		if len(parts) != 2 || parts[0] == repository.MasterBranch {
			continue
		}
		out = append(out, entity.BranchHead{Name: parts[0], SHA: parts[1]})
	}
	return out, nil
}

// WIPBranches 承载该文档编辑的 WIP 分支
func (s *Store) WIPBranches(ctx context.Context, id string) (map[string]string, error) {
	branches, err := s.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	wip := map[string]string{}
	for _, b := range branches {
		if docstore.IsWIPBranchFor(b.Name, s.kind, id) {
			wip[b.Name] = b.SHA
		}
	}
	return wip, nil
}

// PushToRemote 推送已发布分支
func (s *Store) PushToRemote(ctx context.Context, remote string) error {
	if _, err := s.git.Run(ctx, "push", "--porcelain", remote, masterRef+":"+masterRef); err != nil {
		return fmt.Errorf("push %s to %s: %w", s.kind, remote, err)
	}
	return nil
}

func (s *Store) docPath(id string) string {
	return s.kind.PathPrefix() + "/" + id + ".json"
}

func (s *Store) master(ctx context.Context) (string, error) {
	sha, ok, err := s.resolve(ctx, masterRef)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.ErrBranchNotFound.WithDetail(repository.MasterBranch)
	}
	return sha, nil
}

// resolve 解析引用，不存在时返回 ok=false
func (s *Store) resolve(ctx context.Context, ref string) (string, bool, error) {
	res, err := s.git.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if ExitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

// commitExists 只接受完整的对象 ID，分支名等修订表达式视为不存在
func (s *Store) commitExists(ctx context.Context, sha string) (bool, error) {
	if !objectID.MatchString(sha) {
		return false, nil
	}
	_, err := s.git.Run(ctx, "cat-file", "-e", sha+"^{commit}")
	if err != nil {
		if ExitCode(err) > 0 {
			return false, nil
		}
		return false, fmt.Errorf("check commit %s: %w", sha, err)
	}
	return true, nil
}

func (s *Store) hasDoc(ctx context.Context, commitSHA, id string) (bool, error) {
	res, err := s.git.Run(ctx, "ls-tree", "--name-only", commitSHA, "--", s.docPath(id))
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", id, err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (s *Store) checkParent(ctx context.Context, parent, id string) error {
	ok, err := s.commitExists(ctx, parent)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrCommitNotFound.WithDetail(parent)
	}
	ok, err = s.hasDoc(ctx, parent, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrDocumentNotFound.WithDetail(id)
	}
	return nil
}

func (s *Store) isAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := s.git.Run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("merge-base %s %s: %w", ancestor, descendant, err)
}

// commitDoc 在 base 树上写入（content 为 nil 时删除）文档并生成提交
func (s *Store) commitDoc(ctx context.Context, base string, parents []string, id string, content []byte, author entity.AuthInfo, message string) (string, error) {
	idx, err := os.CreateTemp("", "phylesystem-index-*")
	if err != nil {
		return "", fmt.Errorf("create temp index: %w", err)
	}
	idxPath := idx.Name()
	idx.Close()
	// git 需要自己创建索引文件
	os.Remove(idxPath)
	defer os.Remove(idxPath)
	env := []string{"GIT_INDEX_FILE=" + idxPath}

	if _, err := s.git.RunWithInput(ctx, env, nil, "read-tree", base); err != nil {
		return "", fmt.Errorf("read-tree %s: %w", base, err)
	}
	if content == nil {
		// 裸仓库没有工作区，mode 为 0 的索引项表示删除该路径
		entry := fmt.Sprintf("0 %s\t%s\n", nullSHA, s.docPath(id))
		if _, err := s.git.RunWithInput(ctx, env, strings.NewReader(entry), "update-index", "--index-info"); err != nil {
			return "", fmt.Errorf("remove %s: %w", id, err)
		}
	} else {
		blob, err := s.git.RunWithInput(ctx, nil, bytes.NewReader(content), "hash-object", "-w", "--stdin")
		if err != nil {
			return "", fmt.Errorf("write blob for %s: %w", id, err)
		}
		info := "100644," + strings.TrimSpace(blob.Stdout) + "," + s.docPath(id)
		if _, err := s.git.RunWithInput(ctx, env, nil, "update-index", "--add", "--cacheinfo", info); err != nil {
			return "", fmt.Errorf("stage %s: %w", id, err)
		}
	}
	tree, err := s.git.RunWithInput(ctx, env, nil, "write-tree")
	if err != nil {
		return "", fmt.Errorf("write-tree: %w", err)
	}
	return s.commitTree(ctx, strings.TrimSpace(tree.Stdout), parents, author, message)
}

func (s *Store) commitTree(ctx context.Context, tree string, parents []string, author entity.AuthInfo, message string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	when := fmt.Sprintf("%d +0000", s.now().Unix())
	env := []string{
		"GIT_AUTHOR_NAME=" + author.DisplayName(),
		"GIT_AUTHOR_EMAIL=" + author.MailAddress(),
		"GIT_AUTHOR_DATE=" + when,
		"GIT_COMMITTER_NAME=" + systemAuthor.Name,
		"GIT_COMMITTER_EMAIL=" + systemAuthor.Email,
		"GIT_COMMITTER_DATE=" + when,
	}
	res, err := s.git.RunWithInput(ctx, env, strings.NewReader(message), args...)
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// casRef 仅当 ref 当前值为 old 时更新为 new；old 为空表示要求 ref 不存在
func (s *Store) casRef(ctx context.Context, ref, newSHA, old string) error {
	_, err := s.git.Run(ctx, "update-ref", ref, newSHA, old)
	if err == nil {
		return nil
	}
	var execErr *ExecError
	if errors.As(err, &execErr) && ExitCode(err) > 0 {
		logger.Warn(ctx, "ref update rejected", "ref", ref, "expected", old, "stderr", strings.TrimSpace(execErr.StdErr))
		return errRefMoved
	}
	return fmt.Errorf("update-ref %s: %w", ref, err)
}

func (s *Store) mergeRefError(branch string, err error) error {
	if errors.Is(err, errRefMoved) {
		return apperrors.ErrStorage.WithDetail("branch " + branch + " moved during merge, retry")
	}
	return err
}

// pickWIPBranch 返回作者在该文档上头为 parent 的分支，没有则分配新名字
func (s *Store) pickWIPBranch(ctx context.Context, login, id, parent string) (string, string, error) {
	res, err := s.git.Run(ctx, "for-each-ref", "--format=%(refname:short)"+fieldSep+"%(objectname)", "refs/heads/")
	if err != nil {
		return "", "", fmt.Errorf("list branches: %w", err)
	}
	var names []string
	for _, line := range splitLines(res.Stdout) {
		parts := strings.SplitN(line, fieldSep, 2)
		if len(parts) != 2 {
			continue
		}
		names = append(names, parts[0])
		if parts[1] == parent && docstore.IsAuthorWIPBranch(parts[0], login, s.kind, id) {
			return parts[0], parent, nil
		}
	}
	return docstore.NextWIPBranchName(names, login, s.kind, id), "", nil
}

func (s *Store) dropAuthorBranchesAt(ctx context.Context, login, id, head string) {
	res, err := s.git.Run(ctx, "for-each-ref", "--format=%(refname:short)", "--points-at="+head, "refs/heads/")
	if err != nil {
		logger.Warn(ctx, "list branches for cleanup failed", "error", err.Error())
		return
	}
	for _, name := range splitLines(res.Stdout) {
		if !docstore.IsAuthorWIPBranch(name, login, s.kind, id) {
			continue
		}
		if _, err := s.git.Run(ctx, "update-ref", "-d", "refs/heads/"+name, head); err != nil {
			logger.Warn(ctx, "delete merged WIP branch failed", "branch", name, "error", err.Error())
		}
	}
}

func (s *Store) conflictIDs(out string) []string {
	lines := splitLines(out)
	seen := map[string]bool{}
	var ids []string
	// 第一行是合并出的树，其后为冲突文件
	for _, line := range lines[min(1, len(lines)):] {
		id, ok := docstore.DocIDFromFilename(path.Base(line))
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
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

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
