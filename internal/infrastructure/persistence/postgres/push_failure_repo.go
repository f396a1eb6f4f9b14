// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
)

// pushFailureModel 在用的故障记录，kind 为主键保证每类至多一条
type pushFailureModel struct {
	Kind       string    `gorm:"column:kind;primaryKey"`
	ResourceID string    `gorm:"column:resource_id"`
	CommitSHA  string    `gorm:"column:commit_sha"`
	Detail     string    `gorm:"column:detail"`
	FailedAt   time.Time `gorm:"column:failed_at"`
}

func (pushFailureModel) TableName() string { return "push_failures" }

// pushFailureArchiveModel 归档日志
type pushFailureArchiveModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Kind       string    `gorm:"column:kind;index"`
	ResourceID string    `gorm:"column:resource_id"`
	CommitSHA  string    `gorm:"column:commit_sha"`
	Detail     string    `gorm:"column:detail"`
	FailedAt   time.Time `gorm:"column:failed_at"`
	ArchivedAt time.Time `gorm:"column:archived_at"`
}

func (pushFailureArchiveModel) TableName() string { return "push_failure_archive" }

func (m *pushFailureModel) toEntity() *entity.PushFailure {
	return &entity.PushFailure{
		Date:       m.FailedAt.UTC(),
		Kind:       entity.DocKind(m.Kind),
		ResourceID: m.ResourceID,
		Commit:     m.CommitSHA,
		Detail:     m.Detail,
	}
}

// PushFailureRepository 推送故障仓储实现
type PushFailureRepository struct {
	client *Client
	tx     *TxManager
	now    func() time.Time
}

// NewPushFailureRepository 创建推送故障仓储
func NewPushFailureRepository(client *Client) *PushFailureRepository {
	return &PushFailureRepository{client: client, tx: NewTxManager(client), now: time.Now}
}

var _ repository.PushFailureRepository = (*PushFailureRepository)(nil)

// CreateIfAbsent INSERT ... ON CONFLICT DO NOTHING，受影响行数为 1 表示创建成功
func (r *PushFailureRepository) CreateIfAbsent(ctx context.Context, failure *entity.PushFailure) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.PushFailureRepository.CreateIfAbsent")
	defer span.End()

	m := &pushFailureModel{
		Kind:       string(failure.Kind),
		ResourceID: failure.ResourceID,
		CommitSHA:  failure.Commit,
		Detail:     failure.Detail,
		FailedAt:   failure.Date,
	}
	res := getDB(ctx, r.client.db).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		span.RecordError(res.Error)
		return false, fmt.Errorf("failed to create push failure: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get 获取在用记录
func (r *PushFailureRepository) Get(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "postgres.PushFailureRepository.Get")
	defer span.End()

	var m pushFailureModel
	if err := getDB(ctx, r.client.db).First(&m, "kind = ?", string(kind)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get push failure: %w", err)
	}
	return m.toEntity(), nil
}

// Archive 在一个事务中删除在用记录并写入归档表
func (r *PushFailureRepository) Archive(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "postgres.PushFailureRepository.Archive")
	defer span.End()

	var archived *entity.PushFailure
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		db := getDB(ctx, r.client.db)

		var rows []pushFailureModel
		if err := db.Clauses(clause.Returning{}).Where("kind = ?", string(kind)).Delete(&rows).Error; err != nil {
			return fmt.Errorf("failed to claim push failure: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		m := rows[0]
		entry := &pushFailureArchiveModel{
			Kind:       m.Kind,
			ResourceID: m.ResourceID,
			CommitSHA:  m.CommitSHA,
			Detail:     m.Detail,
			FailedAt:   m.FailedAt,
			ArchivedAt: r.now().UTC(),
		}
		if err := db.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to archive push failure: %w", err)
		}
		archived = m.toEntity()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return archived, nil
}

// ListArchived 归档日志
func (r *PushFailureRepository) ListArchived(ctx context.Context, kind entity.DocKind) ([]*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "postgres.PushFailureRepository.ListArchived")
	defer span.End()

	var rows []pushFailureArchiveModel
	if err := getDB(ctx, r.client.db).Where("kind = ?", string(kind)).Order("id ASC").Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list archived push failures: %w", err)
	}

	out := make([]*entity.PushFailure, 0, len(rows))
	for i := range rows {
		row := rows[i]
		out = append(out, &entity.PushFailure{
			Date:       row.FailedAt.UTC(),
			Kind:       entity.DocKind(row.Kind),
			ResourceID: row.ResourceID,
			Commit:     row.CommitSHA,
			Detail:     row.Detail,
		})
	}
	return out, nil
}
