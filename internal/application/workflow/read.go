package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"phylesystem-api/internal/domain/entity"
	apperrors "phylesystem-api/pkg/errors"
	"phylesystem-api/pkg/tracer"
)

// 支持的 study 子资源
const (
	SubresourceMeta = "meta"
	SubresourceTree = "tree"
	SubresourceOTUs = "otus"
	SubresourceOTU  = "otu"
)

// ReadInput 读取文档
type ReadInput struct {
	Kind      entity.DocKind
	ID        string
	CommitSHA string
	// Subresource 为空时返回完整文档
	Subresource   string
	SubresourceID string
}

// ReadOutput 读取结果
type ReadOutput struct {
	ResourceID     string                `json:"resource_id"`
	SHA            string                `json:"sha"`
	Data           json.RawMessage       `json:"data"`
	WIP            map[string]string     `json:"branch2sha"`
	VersionHistory []entity.VersionEntry `json:"versionHistory,omitempty"`
	ShardName      string                `json:"shardName,omitempty"`
}

// Read 读取文档或其子资源
//
// 指定提交的读取结果不可变，启用缓存时经缓存读取。
func (s *Service) Read(ctx context.Context, in *ReadInput) (out *ReadOutput, err error) {
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
	if in.Subresource != "" && in.Kind != entity.DocKindNexson {
		return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("%s documents have no subresources", in.Kind))
	}

	ctx = docContext(ctx, in.Kind, id, entity.AuthInfo{})
	ctx, span := tracer.StartDocSpan(ctx, "workflow.Read", string(in.Kind), id)
	defer func() { tracer.End(span, err) }()

	snap, err := s.readSnapshot(ctx, in.Kind, id, strings.TrimSpace(in.CommitSHA))
	if err != nil {
		return nil, s.storeError(ctx, "read document", err)
	}

	out = &ReadOutput{
		ResourceID: id,
		SHA:        snap.HeadSHA,
		WIP:        snap.WIP,
	}
	if out.WIP == nil {
		out.WIP = map[string]string{}
	}

	if in.Subresource != "" {
		data, err := extractSubresource(snap.Content, in.Subresource, strings.TrimSpace(in.SubresourceID))
		if err != nil {
			return nil, err
		}
		out.Data = data
		return out, nil
	}

	out.Data = snap.Content
	out.ShardName = s.settings.ShardName
	history, err := store.GetHistory(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, "read history", err)
	}
	out.VersionHistory = history
	return out, nil
}

func (s *Service) readSnapshot(ctx context.Context, kind entity.DocKind, id, sha string) (*entity.DocumentSnapshot, error) {
	store, err := s.registry.Store(kind)
	if err != nil {
		return nil, err
	}
	if sha == "" || s.cache == nil || s.settings.DocumentTTL <= 0 {
		return store.Read(ctx, id, sha)
	}

	// 只缓存提交下的文档内容，WIP 分支随时变化，每次重新读取
	key := fmt.Sprintf("doc:%s:%s@%s", kind, id, sha)
	raw, err := s.cache.GetOrLoadSafe(ctx, key, s.settings.DocumentTTL, func() (interface{}, error) {
		snap, err := store.Read(ctx, id, sha)
		if err != nil {
			return nil, err
		}
		snap.WIP = nil
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	var snap entity.DocumentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cached document %s: %w", key, err)
	}
	snap.WIP, err = store.WIPBranches(ctx, id)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// extractSubresource 从 NexSON 中取出子资源
func extractSubresource(content []byte, sub, subID string) (json.RawMessage, error) {
	nexml := gjson.GetBytes(content, "nexml")
	if !nexml.IsObject() {
		return nil, apperrors.ErrValidationFailed.WithDetail("stored document has no nexml object")
	}

	switch sub {
	case SubresourceMeta:
		return filterObject(nexml, func(key string) bool {
			return key != "otusById" && key != "treesById" && key != "^ot:annotationEvents"
		}), nil

	case SubresourceTree:
		trees := collectNested(nexml.Get("treesById"), "treeById")
		return pick(trees, sub, subID)

	case SubresourceOTUs:
		groups := nexml.Get("otusById")
		if subID == "" {
			if !groups.Exists() {
				return json.RawMessage(`{}`), nil
			}
			return json.RawMessage(groups.Raw), nil
		}
		return pick(objectEntries(groups), sub, subID)

	case SubresourceOTU:
		otus := collectNested(nexml.Get("otusById"), "otuById")
		return pick(otus, sub, subID)

	default:
		return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown subresource %q", sub))
	}
}

// collectNested 汇总 group.<field> 下的全部条目，键重复时保留先出现者
func collectNested(groups gjson.Result, field string) []gjson.Result {
	var out []gjson.Result
	seen := map[string]bool{}
	groups.ForEach(func(_, group gjson.Result) bool {
		group.Get(field).ForEach(func(key, value gjson.Result) bool {
			if !seen[key.String()] {
				seen[key.String()] = true
				out = append(out, key, value)
			}
			return true
		})
		return true
	})
	return out
}

func objectEntries(obj gjson.Result) []gjson.Result {
	var out []gjson.Result
	obj.ForEach(func(key, value gjson.Result) bool {
		out = append(out, key, value)
		return true
	})
	return out
}

// pick 在键值交替的列表中查找 subID；subID 为空时返回全部条目组成的对象
func pick(entries []gjson.Result, sub, subID string) (json.RawMessage, error) {
	if subID == "" {
		return joinObject(entries), nil
	}
	for i := 0; i+1 < len(entries); i += 2 {
		if entries[i].String() == subID {
			return json.RawMessage(entries[i+1].Raw), nil
		}
	}
	return nil, apperrors.ErrNotFound.WithDetail(fmt.Sprintf("%s %q not found", sub, subID))
}

func filterObject(obj gjson.Result, keep func(string) bool) json.RawMessage {
	var entries []gjson.Result
	obj.ForEach(func(key, value gjson.Result) bool {
		if keep(key.String()) {
			entries = append(entries, key, value)
		}
		return true
	})
	return joinObject(entries)
}

func joinObject(entries []gjson.Result) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i+1 < len(entries); i += 2 {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(entries[i].Raw)
		buf.WriteByte(':')
		buf.WriteString(entries[i+1].Raw)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// ListIDs 已发布的文档 ID
func (s *Service) ListIDs(ctx context.Context, kind entity.DocKind) ([]string, error) {
	store, err := s.registry.Store(kind)
	if err != nil {
		return nil, err
	}
	ids, err := store.ListIDs(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "list ids", err)
	}
	return ids, nil
}

// ListBranches 未合并的 WIP 分支
func (s *Service) ListBranches(ctx context.Context, kind entity.DocKind) ([]entity.BranchHead, error) {
	store, err := s.registry.Store(kind)
	if err != nil {
		return nil, err
	}
	branches, err := store.ListBranches(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "list branches", err)
	}
	return branches, nil
}

// ExternalURL 已发布文档的公开地址
func (s *Service) ExternalURL(ctx context.Context, kind entity.DocKind, id string) (string, error) {
	store, err := s.registry.Store(kind)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperrors.ErrInvalidParam.WithDetail("document id is required")
	}
	if _, err := store.GetBranchHead(ctx, id); err != nil {
		return "", s.storeError(ctx, "lookup document", err)
	}
	tmpl := s.settings.ExternalURLTemplate
	if tmpl == "" {
		return "", apperrors.ErrNotImplemented.WithDetail("external url template is not configured")
	}
	return fmt.Sprintf(tmpl, id), nil
}

// RepositoryInfo 文档库配置概要
type RepositoryInfo struct {
	RepoNexml2JSON string   `json:"repo_nexml2json"`
	MaxNumTrees    int      `json:"max_num_trees"`
	ShardName      string   `json:"shard_name,omitempty"`
	ReadOnly       bool     `json:"read_only"`
	DocTypes       []string `json:"doc_types"`
	NumDocuments   int      `json:"number_of_studies"`
}

// Config 返回文档库配置概要
func (s *Service) Config(ctx context.Context) (*RepositoryInfo, error) {
	info := &RepositoryInfo{
		RepoNexml2JSON: s.settings.SchemaVersion,
		MaxNumTrees:    s.settings.MaxNumTrees,
		ShardName:      s.settings.ShardName,
		ReadOnly:       s.settings.ReadOnly,
	}
	for _, k := range s.registry.Kinds() {
		info.DocTypes = append(info.DocTypes, string(k))
	}
	if _, err := s.registry.Store(entity.DocKindNexson); err == nil {
		ids, err := s.ListIDs(ctx, entity.DocKindNexson)
		if err != nil {
			return nil, err
		}
		info.NumDocuments = len(ids)
	}
	return info, nil
}
