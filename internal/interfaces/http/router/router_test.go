package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylesystem-api/internal/application/push"
	"phylesystem-api/internal/application/workflow"
	"phylesystem-api/internal/config"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	"phylesystem-api/internal/infrastructure/docstore/memstore"
	"phylesystem-api/internal/infrastructure/persistence/file"
	"phylesystem-api/internal/infrastructure/validation"
	"phylesystem-api/internal/interfaces/http/handler"
	"phylesystem-api/pkg/utils"
)

const (
	testSecret = "test-secret"
	testIssuer = "phylesystem-test"
	testRemote = "mirror"
)

// remoteSwitch 可切换成功或失败的远端
type remoteSwitch struct {
	mu  sync.Mutex
	err error
}

func (r *remoteSwitch) set(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *remoteSwitch) push(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type testServer struct {
	engine *gin.Engine
	store  *memstore.Store
	remote *remoteSwitch
	jwt    *utils.JWTManager
}

type serverOption func(cfg *config.Config)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.App.Name = "phylesystem-api"
	cfg.App.Env = "test"
	cfg.Phylesystem.RepoNexml2JSON = "1.2.1"
	cfg.Phylesystem.MaxNumTrees = 65
	cfg.Security.JWT.Secret = testSecret
	cfg.Security.JWT.Issuer = testIssuer
	cfg.Server.HTTP.MaxBodyBytes = 1 << 20
	for _, opt := range opts {
		opt(cfg)
	}

	remote := &remoteSwitch{}
	store := memstore.New(entity.DocKindNexson, memstore.WithPushFunc(remote.push))
	collections := memstore.New(entity.DocKindCollection)

	validators, err := validation.NewAll(validation.Options{MaxNumTrees: cfg.Phylesystem.MaxNumTrees, ValidatorVersion: "test"})
	require.NoError(t, err)
	byKind := make(map[entity.DocKind]workflow.Validator, len(validators))
	for k, v := range validators {
		byKind[k] = v
	}
	registry := workflow.NewRegistry([]repository.DocumentStore{store, collections}, byKind)

	failures, err := file.NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)
	pusher := push.NewService(registry, push.NewFailureTracker(failures), push.Options{
		ReadOnly: cfg.Phylesystem.ReadOnly,
		Remote:   cfg.DocStore.Remote,
		Timeout:  time.Second,
	})

	settings := workflow.Settings{
		ReadOnly:      cfg.Phylesystem.ReadOnly,
		SchemaVersion: cfg.Phylesystem.RepoNexml2JSON,
		MaxNumTrees:   cfg.Phylesystem.MaxNumTrees,
	}
	svc := workflow.NewService(registry, nil, nil, settings)

	r := New(cfg, &Handlers{
		Health:   handler.NewHealthHandler(registry, nil, nil, "test"),
		Document: handler.NewDocumentHandler(svc, cfg.Server.HTTP.MaxBodyBytes),
		Push:     handler.NewPushHandler(pusher, pusher.Tracker()),
		Merge:    handler.NewMergeHandler(workflow.NewMerger(registry, nil, settings)),
		Repo:     handler.NewRepoHandler(svc),
	}, Options{})

	return &testServer{
		engine: r.Engine(),
		store:  store,
		remote: remote,
		jwt:    utils.NewJWTManager(testSecret, testIssuer),
	}
}

func (s *testServer) token(t *testing.T, login string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(login, strings.ToUpper(login[:1])+login[1:], login+"@example.org", time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, target, token string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func studyDoc(title string) []byte {
	return []byte(`{"nexml":{"@nexml2json":"1.2.1","^ot:studyPublicationReference":"` + title + `"}}`)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["docstore.nexson"].(map[string]any)["status"])
	assert.Equal(t, "disabled", checks["redis"].(map[string]any)["status"])
}

func TestStudyLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	bob := s.token(t, "bob")

	w, created := s.do(t, http.MethodPost, "/v1/study", alice, studyDoc("v0"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, created["error"])
	id := created["resource_id"].(string)
	firstSHA := created["sha"].(string)
	assert.Equal(t, "ot_1", id)

	w, read := s.do(t, http.MethodGet, "/v1/study/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, firstSHA, read["sha"])
	assert.Contains(t, w.Body.String(), "v0")

	// 缺少 starting_commit_SHA
	w, failed := s.do(t, http.MethodPut, "/v1/study/"+id, alice, studyDoc("v1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 1, failed["error"])
	assert.Contains(t, failed["description"], "starting_commit_SHA")

	w, updated := s.do(t, http.MethodPut, "/v1/study/"+id+"?starting_commit_SHA="+firstSHA, alice, studyDoc("v1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, updated["merge_needed"])

	// 基于过期父提交的写入落在作者分支上
	w, stale := s.do(t, http.MethodPut, "/v1/study/"+id+"?starting_commit_SHA="+firstSHA, bob, studyDoc("v2"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, stale["merge_needed"])
	assert.Equal(t, "bob_study_ot_1_0", stale["branch_name"])

	w, _ = s.do(t, http.MethodGet, "/v1/unmerged_branches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob_study_ot_1_0")

	w, _ = s.do(t, http.MethodGet, "/v1/study_list", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))
	assert.Equal(t, []string{id}, ids)

	w, _ = s.do(t, http.MethodDelete, "/v1/study/"+id+"?starting_commit_SHA="+updated["sha"].(string), alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, missing := s.do(t, http.MethodGet, "/v1/study/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.EqualValues(t, 1, missing["error"])
}

func TestWritesRequireToken(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/v1/study", "", studyDoc("v0"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "auth_token required", body["description"])

	w, _ = s.do(t, http.MethodPost, "/v1/study", "not-a-jwt", studyDoc("v0"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// auth_token 参数与 Bearer 头等价
	w, _ = s.do(t, http.MethodPost, "/v1/study?auth_token="+s.token(t, "alice"), "", studyDoc("v0"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Phylesystem.ReadOnly = true })
	tok := s.token(t, "alice")

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/v1/study"},
		{http.MethodPut, "/v1/study/ot_1?starting_commit_SHA=abc"},
		{http.MethodDelete, "/v1/study/ot_1?starting_commit_SHA=abc"},
		{http.MethodPut, "/push/v1"},
		{http.MethodPut, "/merge/v1/master/alice_study_ot_1_0"},
	} {
		w, body := s.do(t, tc.method, tc.target, tok, studyDoc("v0"))
		assert.Equal(t, http.StatusForbidden, w.Code, tc.target)
		assert.EqualValues(t, 1, body["error"], tc.target)
	}

	w, _ := s.do(t, http.MethodGet, "/v1/phylesystem_config", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBodyTooLarge(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Server.HTTP.MaxBodyBytes = 16 })

	w, body := s.do(t, http.MethodPost, "/v1/study", s.token(t, "alice"), studyDoc("this title is far too long"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.EqualValues(t, 1, body["error"])
}

func TestPushFailureAndRecovery(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.DocStore.Remote = testRemote })
	tok := s.token(t, "alice")

	w, status := s.do(t, http.MethodGet, "/v1/push_failure", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, status["pushes_succeeding"])

	s.remote.set(errors.New("remote rejected"))
	w, failed := s.do(t, http.MethodPut, "/push/v1/ot_9", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, failed["description"], "Could not push!")
	assert.Contains(t, failed["description"], "remote rejected")

	w, status = s.do(t, http.MethodGet, "/v1/push_failure?doc_type=nexson", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, status["pushes_succeeding"])
	assert.Equal(t, "ot_9", status["study"])
	assert.Contains(t, status["stacktrace"], "remote rejected")

	s.remote.set(nil)
	w, pushed := s.do(t, http.MethodPut, "/push/v1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, pushed["succeeded"])

	head, err := s.store.GetBranchHead(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, head, s.store.RemoteHead(testRemote))

	w, status = s.do(t, http.MethodGet, "/v1/push_failure", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, status["pushes_succeeding"])

	w, history := s.do(t, http.MethodGet, "/v1/push_failure/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, history["failures"], 1)
}

func TestDocTypeParameter(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/v1/push_failure?doc_type=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 1, body["error"])

	w, _ = s.do(t, http.MethodGet, "/v1/push_failure?doc_type=favorites", "", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w, _ = s.do(t, http.MethodGet, "/v1/study_list?doc_type=collection", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMergeRequiresDistinctBranches(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPut, "/merge/v1/master/master", s.token(t, "alice"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["description"], "itself")

	// 分支校验先于认证
	w, body = s.do(t, http.MethodPut, "/merge/v1/master/master?auth_token=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["description"], "itself")

	w, _ = s.do(t, http.MethodPut, "/merge/v1/master/alice_study_ot_1_0?auth_token=bogus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRepoNexsonFormat(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/v1/repo_nexson_format", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.1", body["nexml2json"])

	w, cfg := s.do(t, http.MethodGet, "/v1/phylesystem_config", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.1", cfg["repo_nexml2json"])
}
