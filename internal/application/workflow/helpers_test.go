package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/internal/infrastructure/docstore/memstore"
	"phylesystem-api/internal/infrastructure/validation"
)

var (
	alice = entity.AuthInfo{Login: "alice", Name: "Alice", Email: "alice@example.org"}
	bob   = entity.AuthInfo{Login: "bob", Name: "Bob", Email: "bob@example.org"}
)

func studyDoc(title string) []byte {
	return []byte(`{"nexml":{"@nexml2json":"1.2.1","^ot:studyPublicationReference":"` + title + `"}}`)
}

// countingStore 统计对存储网关的调用次数
type countingStore struct {
	repository.DocumentStore
	calls atomic.Int64
}

func (c *countingStore) NewID(ctx context.Context) (string, error) {
	c.calls.Add(1)
	return c.DocumentStore.NewID(ctx)
}

func (c *countingStore) GetBranchHead(ctx context.Context, id string) (string, error) {
	c.calls.Add(1)
	return c.DocumentStore.GetBranchHead(ctx, id)
}

func (c *countingStore) Read(ctx context.Context, id, sha string) (*entity.DocumentSnapshot, error) {
	c.calls.Add(1)
	return c.DocumentStore.Read(ctx, id, sha)
}

func (c *countingStore) CreateCommit(ctx context.Context, req *repository.CommitRequest) (*entity.CommitResult, error) {
	c.calls.Add(1)
	return c.DocumentStore.CreateCommit(ctx, req)
}

func (c *countingStore) DeleteCommit(ctx context.Context, req *repository.DeleteRequest) (*entity.CommitResult, error) {
	c.calls.Add(1)
	return c.DocumentStore.DeleteCommit(ctx, req)
}

func (c *countingStore) MergeBranches(ctx context.Context, dest, src string) (*entity.MergeResult, error) {
	c.calls.Add(1)
	return c.DocumentStore.MergeBranches(ctx, dest, src)
}

func (c *countingStore) GetHistory(ctx context.Context, id string) ([]entity.VersionEntry, error) {
	c.calls.Add(1)
	return c.DocumentStore.GetHistory(ctx, id)
}

func (c *countingStore) ListIDs(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	return c.DocumentStore.ListIDs(ctx)
}

func (c *countingStore) ListBranches(ctx context.Context) ([]entity.BranchHead, error) {
	c.calls.Add(1)
	return c.DocumentStore.ListBranches(ctx)
}

func (c *countingStore) WIPBranches(ctx context.Context, id string) (map[string]string, error) {
	c.calls.Add(1)
	return c.DocumentStore.WIPBranches(ctx, id)
}

func (c *countingStore) PushToRemote(ctx context.Context, remote string) error {
	c.calls.Add(1)
	return c.DocumentStore.PushToRemote(ctx, remote)
}

type pushCall struct {
	Kind entity.DocKind
	ID   string
}

// recordingScheduler 记录推送请求
type recordingScheduler struct {
	mu    sync.Mutex
	calls []pushCall
}

func (r *recordingScheduler) SchedulePush(_ context.Context, kind entity.DocKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pushCall{Kind: kind, ID: id})
}

func (r *recordingScheduler) Calls() []pushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushCall(nil), r.calls...)
}

// mapCache 内存版 DocumentCache
type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
	loads int
}

func (m *mapCache) GetOrLoadSafe(_ context.Context, key string, _ time.Duration, loader func() (interface{}, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key]; ok {
		return v, nil
	}
	data, err := loader()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	m.loads++
	m.items[key] = raw
	return raw, nil
}

type fixture struct {
	store     *countingStore
	scheduler *recordingScheduler
	cache     *mapCache
	service   *Service
	merger    *Merger
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	if settings.SchemaVersion == "" {
		settings.SchemaVersion = "1.2.1"
	}
	validators, err := validation.NewAll(validation.Options{MaxNumTrees: 65, ValidatorVersion: "test"})
	require.NoError(t, err)
	byKind := make(map[entity.DocKind]Validator, len(validators))
	for k, v := range validators {
		byKind[k] = v
	}

	store := &countingStore{DocumentStore: memstore.New(entity.DocKindNexson)}
	collections := memstore.New(entity.DocKindCollection)
	registry := NewRegistry([]repository.DocumentStore{store, collections}, byKind)

	f := &fixture{
		store:     store,
		scheduler: &recordingScheduler{},
		cache:     &mapCache{items: map[string][]byte{}},
	}
	f.service = NewService(registry, f.scheduler, f.cache, settings)
	f.merger = NewMerger(registry, f.scheduler, settings)
	return f
}
