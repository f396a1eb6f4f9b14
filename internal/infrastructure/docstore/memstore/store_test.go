package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	apperrors "phylesystem-api/pkg/errors"
)

var (
	alice = entity.AuthInfo{Login: "alice", Name: "Alice", Email: "alice@example.org"}
	bob   = entity.AuthInfo{Login: "bob", Name: "Bob", Email: "bob@example.org"}
)

func createDoc(t *testing.T, s *Store, id, body string) string {
	t.Helper()
	res, err := s.CreateCommit(context.Background(), &repository.CommitRequest{
		ResourceID: id, Content: []byte(body), Author: alice, Message: "create", Create: true,
	})
	require.NoError(t, err)
	require.Equal(t, entity.CommitStatusSuccess, res.Status)
	return res.SHA
}

func update(t *testing.T, s *Store, author entity.AuthInfo, id, parent, merged, body string) *entity.CommitResult {
	t.Helper()
	res, err := s.CreateCommit(context.Background(), &repository.CommitRequest{
		ResourceID: id, Content: []byte(body), ParentSHA: parent, MergedSHA: merged, Author: author, Message: "edit",
	})
	require.NoError(t, err)
	return res
}

func TestUpdateAtHeadAdvancesMaster(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)

	res := update(t, s, alice, "ot_1", h0, "", `{"v":1}`)
	assert.Equal(t, entity.CommitStatusSuccess, res.Status)
	assert.False(t, res.MergeNeeded)
	assert.NotEqual(t, h0, res.SHA)

	head, err := s.GetBranchHead(ctx, "ot_1")
	require.NoError(t, err)
	assert.Equal(t, res.SHA, head)

	snap, err := s.Read(ctx, "ot_1", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(snap.Content))
}

func TestStaleUpdateParksOnWIPBranch(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)
	h1 := update(t, s, alice, "ot_1", h0, "", `{"v":1}`).SHA

	res := update(t, s, bob, "ot_1", h0, "", `{"v":2}`)
	assert.Equal(t, entity.CommitStatusMergeNeeded, res.Status)
	assert.True(t, res.MergeNeeded)
	assert.Equal(t, "bob_study_ot_1_0", res.BranchName)
	assert.Equal(t, h1, res.MasterSHA)

	head, err := s.GetBranchHead(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, h1, head, "master must not move on a stale write")

	snap, err := s.Read(ctx, "ot_1", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(snap.Content))
	assert.Equal(t, map[string]string{"bob_study_ot_1_0": res.SHA}, snap.WIP)

	// 在 WIP 分支头上继续编辑时复用同一分支
	again := update(t, s, bob, "ot_1", res.SHA, "", `{"v":3}`)
	assert.Equal(t, "bob_study_ot_1_0", again.BranchName)

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, again.SHA, branches[0].SHA)
}

func TestMergeThenResubmitPublishes(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)
	createDoc(t, s, "ot_2", `{"w":0}`)
	h1 := update(t, s, alice, "ot_2", mustHead(t, s), "", `{"w":1}`).SHA

	wip := update(t, s, bob, "ot_1", h0, "", `{"v":2}`)
	require.True(t, wip.MergeNeeded)

	merged, err := s.MergeBranches(ctx, wip.BranchName, repository.MasterBranch)
	require.NoError(t, err)
	assert.False(t, merged.FastForward)
	assert.False(t, merged.AlreadyMerged)

	res := update(t, s, bob, "ot_1", merged.SHA, h1, `{"v":2}`)
	assert.Equal(t, entity.CommitStatusSuccess, res.Status)
	assert.Equal(t, res.SHA, mustHead(t, s))

	snap, err := s.Read(ctx, "ot_2", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"w":1}`, string(snap.Content))

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestMergeConflictLeavesBranchesUntouched(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)
	h1 := update(t, s, alice, "ot_1", h0, "", `{"v":1}`).SHA
	wip := update(t, s, bob, "ot_1", h0, "", `{"v":2}`)

	_, err := s.MergeBranches(ctx, wip.BranchName, repository.MasterBranch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMergeConflict))

	assert.Equal(t, h1, mustHead(t, s))
	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, wip.SHA, branches[0].SHA)
}

func TestMergeRejectsInvalidBranches(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)
	update(t, s, alice, "ot_1", h0, "", `{"v":1}`)
	wip := update(t, s, bob, "ot_1", h0, "", `{"v":2}`)

	res, err := s.MergeBranches(ctx, repository.MasterBranch, repository.MasterBranch)
	require.Error(t, err)
	assert.Nil(t, res)

	res, err = s.MergeBranches(ctx, wip.BranchName, wip.BranchName+"x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBranchNotFound))

	s2 := New(entity.DocKindNexson)
	g0 := createDoc(t, s2, "ot_1", `{"v":0}`)
	g1 := update(t, s2, alice, "ot_1", g0, "", `{"v":1}`).SHA
	w := update(t, s2, bob, "ot_1", g0, "", `{"v":2}`)
	res, err = s2.MergeBranches(ctx, repository.MasterBranch, w.BranchName)
	require.Error(t, err, "divergent edits of one document conflict")
	assert.Equal(t, g1, mustHead(t, s2))
}

func TestMergeFastForwardsBehindBranch(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	h0 := createDoc(t, s, "ot_1", `{"v":0}`)
	createDoc(t, s, "ot_9", `{"z":0}`)
	wip := update(t, s, bob, "ot_1", h0, "", `{"v":2}`)
	wipHead := wip.SHA

	// master 合入 WIP：两边都有独立修改，产生合并提交
	res, err := s.MergeBranches(ctx, repository.MasterBranch, wip.BranchName)
	require.NoError(t, err)
	assert.False(t, res.FastForward)

	// 反向合并：WIP 已是 master 的祖先，快进
	res, err = s.MergeBranches(ctx, wip.BranchName, repository.MasterBranch)
	require.NoError(t, err)
	assert.True(t, res.FastForward)
	assert.Equal(t, mustHead(t, s), res.SHA)

	res, err = s.MergeBranches(ctx, repository.MasterBranch, wip.BranchName)
	require.NoError(t, err)
	assert.True(t, res.AlreadyMerged)
	assert.NotEqual(t, wipHead, res.SHA)
}

func TestDeleteWithCurrentAndStaleParent(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	createDoc(t, s, "ot_1", `{"v":0}`)
	stale := mustHead(t, s)
	createDoc(t, s, "ot_2", `{"v":0}`)

	res, err := s.DeleteCommit(ctx, &repository.DeleteRequest{ResourceID: "ot_1", ParentSHA: stale, Author: alice})
	require.NoError(t, err)
	assert.True(t, res.MergeNeeded)
	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ot_1", "ot_2"}, ids)

	res, err = s.DeleteCommit(ctx, &repository.DeleteRequest{ResourceID: "ot_1", ParentSHA: mustHead(t, s), Author: alice})
	require.NoError(t, err)
	assert.Equal(t, entity.CommitStatusSuccess, res.Status)
	ids, err = s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ot_2"}, ids)

	_, err = s.Read(ctx, "ot_1", "")
	assert.True(t, errors.Is(err, apperrors.ErrDocumentNotFound))
}

func TestCreateRejectsExistingAndUnknownParent(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	createDoc(t, s, "ot_1", `{}`)

	_, err := s.CreateCommit(ctx, &repository.CommitRequest{ResourceID: "ot_1", Content: []byte(`{}`), Author: alice, Create: true})
	assert.True(t, errors.Is(err, apperrors.ErrDocumentExists))

	_, err = s.CreateCommit(ctx, &repository.CommitRequest{ResourceID: "ot_1", Content: []byte(`{}`), ParentSHA: "deadbeef", Author: alice})
	assert.True(t, errors.Is(err, apperrors.ErrCommitNotFound))
}

func TestNewIDAndHistory(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	createDoc(t, s, "ot_7", `{"v":0}`)

	id, err := s.NewID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ot_8", id)
	id, err = s.NewID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ot_9", id)

	update(t, s, bob, "ot_7", mustHead(t, s), "", `{"v":1}`)
	createDoc(t, s, "ot_100", `{}`)

	history, err := s.GetHistory(ctx, "ot_7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Bob", history[0].AuthorName)
	assert.Equal(t, "Alice", history[1].AuthorName)
}

func TestPushToRemote(t *testing.T) {
	ctx := context.Background()
	fail := true
	s := New(entity.DocKindNexson, WithPushFunc(func(context.Context, string, string) error {
		if fail {
			return errors.New("remote unreachable")
		}
		return nil
	}))
	createDoc(t, s, "ot_1", `{}`)

	require.Error(t, s.PushToRemote(ctx, "origin"))
	assert.Empty(t, s.RemoteHead("origin"))

	fail = false
	require.NoError(t, s.PushToRemote(ctx, "origin"))
	assert.Equal(t, mustHead(t, s), s.RemoteHead("origin"))
}

func mustHead(t *testing.T, s *Store) string {
	t.Helper()
	head, err := s.GetBranchHead(context.Background(), "")
	require.NoError(t, err)
	return head
}

func TestRejectsRevisionExpressions(t *testing.T) {
	ctx := context.Background()
	s := New(entity.DocKindNexson)
	first := createDoc(t, s, "ot_1", `{}`)
	update(t, s, alice, "ot_1", first, "", `{"v":1}`)

	for _, rev := range []string{"master", "HEAD", "master~1", first[:7]} {
		_, err := s.CreateCommit(ctx, &repository.CommitRequest{ResourceID: "ot_1", Content: []byte(`{"v":2}`), ParentSHA: rev, Author: bob, Message: "c"})
		assert.True(t, errors.Is(err, apperrors.ErrCommitNotFound), rev)

		_, err = s.DeleteCommit(ctx, &repository.DeleteRequest{ResourceID: "ot_1", ParentSHA: rev, Author: bob, Message: "rm"})
		assert.True(t, errors.Is(err, apperrors.ErrCommitNotFound), rev)
	}

	wip, err := s.WIPBranches(ctx, "ot_1")
	require.NoError(t, err)
	assert.Empty(t, wip)
}
