package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylesystem-api/internal/domain/entity"
)

func TestPushFailureRepository_CreateIfAbsent(t *testing.T) {
	repo, err := NewPushFailureRepository(filepath.Join(t.TempDir(), "failures"))
	require.NoError(t, err)
	ctx := context.Background()

	first := entity.NewPushFailure(entity.DocKindNexson, "ot_1", "abc", "rejected")
	created, err := repo.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, entity.NewPushFailure(entity.DocKindNexson, "ot_2", "def", "again"))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.Get(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.Commit)
	assert.True(t, first.Date.Equal(got.Date))

	// 不留下临时文件
	entries, err := os.ReadDir(repo.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "push_failure_nexson.json", entries[0].Name())
}

func TestPushFailureRepository_ConcurrentCreate(t *testing.T) {
	repo, err := NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.CreateIfAbsent(ctx, entity.NewPushFailure(entity.DocKindCollection, "", "abc", "x"))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func TestPushFailureRepository_Archive(t *testing.T) {
	repo, err := NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	archived, err := repo.Archive(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	assert.Nil(t, archived)

	for _, sha := range []string{"a1", "a2"} {
		created, err := repo.CreateIfAbsent(ctx, entity.NewPushFailure(entity.DocKindNexson, "", sha, "x"))
		require.NoError(t, err)
		require.True(t, created)

		archived, err = repo.Archive(ctx, entity.DocKindNexson)
		require.NoError(t, err)
		require.NotNil(t, archived)
		assert.Equal(t, sha, archived.Commit)
	}

	got, err := repo.Get(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	assert.Nil(t, got)

	log, err := repo.ListArchived(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "a1", log[0].Commit)
	assert.Equal(t, "a2", log[1].Commit)
}

func TestPushFailureRepository_ConcurrentArchiveClaimsOnce(t *testing.T) {
	repo, err := NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = repo.CreateIfAbsent(ctx, entity.NewPushFailure(entity.DocKindAmendment, "", "abc", "x"))
	require.NoError(t, err)

	var claimed int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := repo.Archive(ctx, entity.DocKindAmendment)
			assert.NoError(t, err)
			if f != nil {
				atomic.AddInt32(&claimed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed)
	log, err := repo.ListArchived(ctx, entity.DocKindAmendment)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestPushFailureRepository_ListArchivedEmpty(t *testing.T) {
	repo, err := NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)

	log, err := repo.ListArchived(context.Background(), entity.DocKindNexson)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestPushFailureRepository_CanceledContext(t *testing.T) {
	repo, err := NewPushFailureRepository(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = repo.CreateIfAbsent(ctx, entity.NewPushFailure(entity.DocKindNexson, "", "abc", "x"))
	assert.ErrorIs(t, err, context.Canceled)
}
