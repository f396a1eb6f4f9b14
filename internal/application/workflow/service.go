package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/logger"
	"phylesystem-api/pkg/metrics"
	"phylesystem-api/pkg/tracer"
)

// PhylografterPrefix 从 phylografter 导入的 study 使用的 ID 前缀
const PhylografterPrefix = "pg_"

var (
	numericID = regexp.MustCompile(`^[0-9]+$`)
	safeID    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// CreateInput 新建文档
type CreateInput struct {
	Kind    entity.DocKind
	Content []byte
	Auth    entity.AuthInfo
	// RequestedID 调用方指定的 ID，为空时由存储分配
	RequestedID   string
	CommitMessage string
	DeferPush     bool
}

// UpdateInput 更新文档
type UpdateInput struct {
	Kind          entity.DocKind
	ID            string
	Content       []byte
	ParentSHA     string
	MergedSHA     string
	Auth          entity.AuthInfo
	CommitMessage string
	DeferPush     bool
}

// DeleteInput 删除文档
type DeleteInput struct {
	Kind          entity.DocKind
	ID            string
	ParentSHA     string
	Auth          entity.AuthInfo
	CommitMessage string
}

// Service 文档写入与读取
type Service struct {
	registry *Registry
	pusher   PushScheduler
	cache    DocumentCache
	settings Settings
	now      func() time.Time
}

// NewService 创建服务；pusher 与 cache 可以为 nil
func NewService(registry *Registry, pusher PushScheduler, cache DocumentCache, settings Settings) *Service {
	if pusher == nil {
		pusher = noopScheduler{}
	}
	return &Service{
		registry: registry,
		pusher:   pusher,
		cache:    cache,
		settings: settings,
		now:      time.Now,
	}
}

// Settings 当前配置
func (s *Service) Settings() Settings {
	return s.settings
}

// Create 校验并新建文档
func (s *Service) Create(ctx context.Context, in *CreateInput) (res *entity.CommitResult, err error) {
	if s.settings.ReadOnly {
		return nil, apperrors.ErrReadOnly
	}
	if in == nil {
		return nil, apperrors.ErrInvalidParam.WithDetail("input is nil")
	}

	store, err := s.registry.Store(in.Kind)
	if err != nil {
		return nil, err
	}
	validator, err := s.registry.Validator(in.Kind)
	if err != nil {
		return nil, err
	}
	id, err := normalizeRequestedID(in.Kind, in.RequestedID)
	if err != nil {
		return nil, err
	}

	ctx = docContext(ctx, in.Kind, id, in.Auth)
	ctx, span := tracer.StartDocSpan(ctx, "workflow.Create", string(in.Kind), id)
	defer func() { tracer.End(span, err) }()
	defer s.observe(in.Kind, "create", s.now(), &res, &err)

	content, err := s.prepare(ctx, validator, in.Kind, in.Content, in.Auth)
	if err != nil {
		return nil, err
	}

	if id == "" {
		id, err = store.NewID(ctx)
		if err != nil {
			return nil, s.storeError(ctx, "allocate document id", err)
		}
		ctx = logger.WithContext(ctx, logger.ResourceIDKey, id)
	}

	res, err = store.CreateCommit(ctx, &repository.CommitRequest{
		ResourceID: id,
		Content:    content,
		Author:     in.Auth,
		Message:    commitMessage(in.CommitMessage, "Create", in.Kind, id),
		Create:     true,
	})
	if err != nil {
		return nil, s.storeError(ctx, "create document", err)
	}

	logger.Info(ctx, "document created", "sha", res.SHA)
	if res.Published() && !in.DeferPush {
		s.pusher.SchedulePush(ctx, in.Kind, id)
	}
	return res, nil
}

// Update 在调用方读取时的提交之上写入新版本
//
// 父提交已过期时不会覆盖已发布分支，结果标记为 merge-needed，由调用方合并后重新提交。
func (s *Service) Update(ctx context.Context, in *UpdateInput) (res *entity.CommitResult, err error) {
	if s.settings.ReadOnly {
		return nil, apperrors.ErrReadOnly
	}
	if in == nil {
		return nil, apperrors.ErrInvalidParam.WithDetail("input is nil")
	}

	store, err := s.registry.Store(in.Kind)
	if err != nil {
		return nil, err
	}
	validator, err := s.registry.Validator(in.Kind)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("document id is required")
	}
	parent := strings.TrimSpace(in.ParentSHA)
	if parent == "" {
		return nil, apperrors.ErrPreconditionMissing.WithDetail("starting_commit_SHA is required")
	}

	ctx = docContext(ctx, in.Kind, id, in.Auth)
	ctx, span := tracer.StartDocSpan(ctx, "workflow.Update", string(in.Kind), id)
	defer func() { tracer.End(span, err) }()
	defer s.observe(in.Kind, "update", s.now(), &res, &err)

	content, err := s.prepare(ctx, validator, in.Kind, in.Content, in.Auth)
	if err != nil {
		return nil, err
	}

	res, err = store.CreateCommit(ctx, &repository.CommitRequest{
		ResourceID: id,
		Content:    content,
		ParentSHA:  parent,
		MergedSHA:  strings.TrimSpace(in.MergedSHA),
		Author:     in.Auth,
		Message:    commitMessage(in.CommitMessage, "Update", in.Kind, id),
	})
	if err != nil {
		return nil, s.storeError(ctx, "update document", err)
	}

	if res.MergeNeeded {
		logger.Info(ctx, "document update parked on WIP branch", "branch", res.BranchName, "master_sha", res.MasterSHA)
	} else {
		logger.Info(ctx, "document updated", "sha", res.SHA)
	}

	history, herr := store.GetHistory(ctx, id)
	if herr != nil {
		logger.Warn(ctx, "failed to load version history", "error", herr)
	} else {
		res.VersionHistory = history
	}

	if res.Published() && !in.DeferPush {
		s.pusher.SchedulePush(ctx, in.Kind, id)
	}
	return res, nil
}

// Delete 删除文档，父提交规则与 Update 相同
func (s *Service) Delete(ctx context.Context, in *DeleteInput) (res *entity.CommitResult, err error) {
	if s.settings.ReadOnly {
		return nil, apperrors.ErrReadOnly
	}
	if in == nil {
		return nil, apperrors.ErrInvalidParam.WithDetail("input is nil")
	}

	store, err := s.registry.Store(in.Kind)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("document id is required")
	}
	parent := strings.TrimSpace(in.ParentSHA)
	if parent == "" {
		return nil, apperrors.ErrPreconditionMissing.WithDetail("starting_commit_SHA is required")
	}

	ctx = docContext(ctx, in.Kind, id, in.Auth)
	ctx, span := tracer.StartDocSpan(ctx, "workflow.Delete", string(in.Kind), id)
	defer func() { tracer.End(span, err) }()
	defer s.observe(in.Kind, "delete", s.now(), &res, &err)

	res, err = store.DeleteCommit(ctx, &repository.DeleteRequest{
		ResourceID: id,
		ParentSHA:  parent,
		Author:     in.Auth,
		Message:    commitMessage(in.CommitMessage, "Delete", in.Kind, id),
	})
	if err != nil {
		return nil, s.storeError(ctx, "delete document", err)
	}

	if res.MergeNeeded {
		logger.Info(ctx, "document delete rejected, parent is stale", "master_sha", res.MasterSHA)
		return res, nil
	}

	logger.Info(ctx, "document deleted", "sha", res.SHA)
	// 删除没有可推送的文档，通知只携带类型
	s.pusher.SchedulePush(ctx, in.Kind, "")
	return res, nil
}

// prepare 校验、规范化并嵌入注解
func (s *Service) prepare(ctx context.Context, v Validator, kind entity.DocKind, raw []byte, auth entity.AuthInfo) ([]byte, error) {
	if len(raw) == 0 {
		metrics.ValidationTotal.WithLabelValues(string(kind), "rejected").Inc()
		return nil, apperrors.ErrValidationFailed.WithDetail("request body is empty")
	}

	doc, err := v.Validate(ctx, raw, s.settings.SchemaVersion)
	if err != nil {
		var issues interface{ ValidationIssues() []string }
		if errors.As(err, &issues) {
			metrics.ValidationTotal.WithLabelValues(string(kind), "rejected").Inc()
			logger.Info(ctx, "document rejected by validator", "issues", len(issues.ValidationIssues()))
			return nil, apperrors.ErrValidationFailed.WithDetail(strings.Join(issues.ValidationIssues(), "; ")).WithError(err)
		}
		metrics.ValidationTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "validation error")
	}
	metrics.ValidationTotal.WithLabelValues(string(kind), "passed").Inc()

	if doc.Annotation == nil {
		return doc.Content, nil
	}
	ann := *doc.Annotation
	ann.Login = auth.Login
	ann.AuthorName = auth.DisplayName()
	ann.AuthorEmail = auth.MailAddress()

	content, err := v.Annotate(doc.Content, &ann)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to annotate document")
	}
	return content, nil
}

// storeError 保留存储层的业务错误，其余错误记录完整信息后以通用错误返回
func (s *Service) storeError(ctx context.Context, op string, err error) error {
	if apperrors.IsAppError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Error(ctx, "document store failure", err, "op", op)
	return apperrors.ErrStorage.WithError(err)
}

func (s *Service) observe(kind entity.DocKind, op string, start time.Time, res **entity.CommitResult, err *error) {
	result := "success"
	switch {
	case *err != nil:
		result = "error"
	case *res != nil && (*res).MergeNeeded:
		result = "merge_needed"
	}
	metrics.DocumentWritesTotal.WithLabelValues(string(kind), op, result).Inc()
	metrics.DocumentWriteDuration.WithLabelValues(string(kind), op).Observe(time.Since(start).Seconds())
}

// normalizeRequestedID 纯数字 ID 视为 phylografter 导入，补全 pg_ 前缀
func normalizeRequestedID(kind entity.DocKind, requested string) (string, error) {
	id := strings.TrimSpace(requested)
	if id == "" {
		return "", nil
	}
	if kind == entity.DocKindNexson {
		switch {
		case numericID.MatchString(id):
			return PhylografterPrefix + id, nil
		case strings.HasPrefix(id, PhylografterPrefix) && numericID.MatchString(strings.TrimPrefix(id, PhylografterPrefix)):
			return id, nil
		default:
			return "", apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("study id %q must be numeric or start with %s", id, PhylografterPrefix))
		}
	}
	if !safeID.MatchString(id) {
		return "", apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("invalid %s id %q", kind, id))
	}
	return id, nil
}

// commitMessage 空白提交信息替换为默认信息
func commitMessage(msg, op string, kind entity.DocKind, id string) string {
	if m := strings.TrimSpace(msg); m != "" {
		return m
	}
	return fmt.Sprintf("%s %s #%s via OpenTree API", op, kind.PathPrefix(), id)
}

func docContext(ctx context.Context, kind entity.DocKind, id string, auth entity.AuthInfo) context.Context {
	ctx = logger.WithContext(ctx, logger.DocTypeKey, string(kind))
	if id != "" {
		ctx = logger.WithContext(ctx, logger.ResourceIDKey, id)
	}
	if auth.Login != "" {
		ctx = logger.WithContext(ctx, logger.LoginKey, auth.Login)
	}
	return ctx
}
