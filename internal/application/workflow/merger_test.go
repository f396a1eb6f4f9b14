package workflow

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

func TestMergeThenResubmitPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Settings{})

	first, err := f.service.Create(ctx, &CreateInput{Kind: entity.DocKindNexson, Content: studyDoc("a"), Auth: alice, DeferPush: true})
	require.NoError(t, err)
	other, err := f.service.Create(ctx, &CreateInput{Kind: entity.DocKindNexson, Content: studyDoc("b"), Auth: alice, DeferPush: true})
	require.NoError(t, err)

	wip, err := f.service.Update(ctx, &UpdateInput{
		Kind: entity.DocKindNexson, ID: first.ResourceID, Content: studyDoc("a2"), ParentSHA: first.SHA, Auth: bob,
	})
	require.NoError(t, err)
	require.True(t, wip.MergeNeeded)

	merged, err := f.merger.Merge(ctx, &MergeInput{
		Kind: entity.DocKindNexson, Destination: wip.BranchName, Source: repository.MasterBranch, Auth: bob,
	})
	require.NoError(t, err)
	assert.False(t, merged.FastForward)
	assert.Empty(t, f.scheduler.Calls())

	final, err := f.service.Update(ctx, &UpdateInput{
		Kind: entity.DocKindNexson, ID: first.ResourceID, Content: studyDoc("a2"),
		ParentSHA: merged.SHA, MergedSHA: other.SHA, Auth: bob,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.CommitStatusSuccess, final.Status)
	assert.Equal(t, []pushCall{{Kind: entity.DocKindNexson, ID: first.ResourceID}}, f.scheduler.Calls())

	branches, err := f.service.ListBranches(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestMergeConflictLeavesBranches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Settings{})

	base, err := f.service.Create(ctx, &CreateInput{Kind: entity.DocKindNexson, Content: studyDoc("a"), Auth: alice, DeferPush: true})
	require.NoError(t, err)
	head, err := f.service.Update(ctx, &UpdateInput{
		Kind: entity.DocKindNexson, ID: base.ResourceID, Content: studyDoc("alice"), ParentSHA: base.SHA, Auth: alice, DeferPush: true,
	})
	require.NoError(t, err)
	wip, err := f.service.Update(ctx, &UpdateInput{
		Kind: entity.DocKindNexson, ID: base.ResourceID, Content: studyDoc("bob"), ParentSHA: base.SHA, Auth: bob,
	})
	require.NoError(t, err)

	_, err = f.merger.Merge(ctx, &MergeInput{Kind: entity.DocKindNexson, Destination: repository.MasterBranch, Source: wip.BranchName, Auth: bob})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMergeConflict))

	master, err := f.store.GetBranchHead(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, head.SHA, master)

	branches, err := f.service.ListBranches(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, wip.SHA, branches[0].SHA)
}

func TestMergeIntoMasterSchedulesPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Settings{})

	base, err := f.service.Create(ctx, &CreateInput{Kind: entity.DocKindNexson, Content: studyDoc("a"), Auth: alice, DeferPush: true})
	require.NoError(t, err)
	_, err = f.service.Create(ctx, &CreateInput{Kind: entity.DocKindNexson, Content: studyDoc("b"), Auth: alice, DeferPush: true})
	require.NoError(t, err)
	wip, err := f.service.Update(ctx, &UpdateInput{
		Kind: entity.DocKindNexson, ID: base.ResourceID, Content: studyDoc("a2"), ParentSHA: base.SHA, Auth: bob,
	})
	require.NoError(t, err)

	res, err := f.merger.Merge(ctx, &MergeInput{Kind: entity.DocKindNexson, Destination: repository.MasterBranch, Source: wip.BranchName, Auth: bob})
	require.NoError(t, err)
	assert.False(t, res.AlreadyMerged)
	assert.Equal(t, []pushCall{{Kind: entity.DocKindNexson, ID: ""}}, f.scheduler.Calls())

	again, err := f.merger.Merge(ctx, &MergeInput{Kind: entity.DocKindNexson, Destination: repository.MasterBranch, Source: wip.BranchName, Auth: bob})
	require.NoError(t, err)
	assert.True(t, again.AlreadyMerged)
	assert.Len(t, f.scheduler.Calls(), 1)
}

func TestMergeRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Settings{})

	_, err := f.merger.Merge(ctx, &MergeInput{Kind: entity.DocKindNexson, Destination: "master", Source: "master"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))

	_, err = f.merger.Merge(ctx, &MergeInput{Kind: entity.DocKindNexson, Destination: "master", Source: "nobody_study_ot_1_0"})
	assert.True(t, errors.Is(err, apperrors.ErrBranchNotFound))
}
