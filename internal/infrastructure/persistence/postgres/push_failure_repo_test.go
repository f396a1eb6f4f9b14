package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"phylesystem-api/internal/domain/entity"
)

func newMockRepo(t *testing.T) (*PushFailureRepository, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	repo := NewPushFailureRepository(NewClientFromDB(db))
	repo.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return repo, mock
}

func TestPushFailureRepository_CreateIfAbsent(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	failure := entity.NewPushFailure(entity.DocKindNexson, "ot_1", "abc123", "remote rejected")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "push_failures"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "push_failures"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.CreateIfAbsent(ctx, failure)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, failure)
	require.NoError(t, err)
	assert.False(t, created, "conflicting insert must not report a new record")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_CreateIfAbsentError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "push_failures"`)).
		WillReturnError(errors.New("connection reset"))

	created, err := repo.CreateIfAbsent(context.Background(), entity.NewPushFailure(entity.DocKindNexson, "", "abc", "x"))
	require.Error(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	failedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "push_failures"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "resource_id", "commit_sha", "detail", "failed_at"}).
			AddRow("nexson", "ot_1", "abc123", "remote rejected", failedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "push_failures"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "resource_id", "commit_sha", "detail", "failed_at"}))

	got, err := repo.Get(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.DocKindNexson, got.Kind)
	assert.Equal(t, "ot_1", got.ResourceID)
	assert.Equal(t, "abc123", got.Commit)
	assert.True(t, failedAt.Equal(got.Date))

	got, err = repo.Get(ctx, entity.DocKindCollection)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_Archive(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	failedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "push_failures"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "resource_id", "commit_sha", "detail", "failed_at"}).
			AddRow("nexson", "ot_1", "abc123", "remote rejected", failedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "push_failure_archive"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	got, err := repo.Archive(ctx, entity.DocKindNexson)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.Commit)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_ArchiveMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "push_failures"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "resource_id", "commit_sha", "detail", "failed_at"}))
	mock.ExpectCommit()

	got, err := repo.Archive(context.Background(), entity.DocKindNexson)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_ArchiveRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "push_failures"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "resource_id", "commit_sha", "detail", "failed_at"}).
			AddRow("nexson", "ot_1", "abc123", "remote rejected", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "push_failure_archive"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	got, err := repo.Archive(context.Background(), entity.DocKindNexson)
	require.Error(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushFailureRepository_ListArchived(t *testing.T) {
	repo, mock := newMockRepo(t)
	failedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "push_failure_archive"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "resource_id", "commit_sha", "detail", "failed_at", "archived_at"}).
			AddRow(1, "nexson", "ot_1", "a1", "first", failedAt, failedAt.Add(time.Hour)).
			AddRow(2, "nexson", "", "a2", "second", failedAt.Add(2*time.Hour), failedAt.Add(3*time.Hour)))

	got, err := repo.ListArchived(context.Background(), entity.DocKindNexson)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].Commit)
	assert.Equal(t, "a2", got[1].Commit)
	assert.Equal(t, entity.DocKindNexson, got[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManager_ReusesOuterTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.tx.WithTransaction(context.Background(), func(ctx context.Context) error {
		require.NotNil(t, getTxFromContext(ctx))
		return repo.tx.WithTransaction(ctx, func(inner context.Context) error {
			calls++
			assert.Same(t, getTxFromContext(ctx), getTxFromContext(inner))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
