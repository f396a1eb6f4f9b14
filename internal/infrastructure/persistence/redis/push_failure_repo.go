package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
)

const pushFailureKeyPrefix = "push_failure:"

// archiveScript 原子地认领在用记录并追加到归档列表
var archiveScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return false
end
redis.call("RPUSH", KEYS[2], v)
redis.call("DEL", KEYS[1])
return v
`)

// PushFailureRepository 基于 Redis 的推送故障仓储
type PushFailureRepository struct {
	client *Client
}

// NewPushFailureRepository 创建推送故障仓储
func NewPushFailureRepository(client *Client) *PushFailureRepository {
	return &PushFailureRepository{client: client}
}

var _ repository.PushFailureRepository = (*PushFailureRepository)(nil)

func pushFailureKey(kind entity.DocKind) string {
	return pushFailureKeyPrefix + string(kind)
}

func pushFailureLogKey(kind entity.DocKind) string {
	return pushFailureKey(kind) + ":log"
}

// CreateIfAbsent SETNX
func (r *PushFailureRepository) CreateIfAbsent(ctx context.Context, failure *entity.PushFailure) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.PushFailureRepository.CreateIfAbsent")
	defer span.End()

	data, err := json.Marshal(failure)
	if err != nil {
		return false, fmt.Errorf("failed to marshal push failure: %w", err)
	}
	ok, err := r.client.rdb.SetNX(ctx, pushFailureKey(failure.Kind), data, 0).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to create push failure: %w", err)
	}
	return ok, nil
}

// Get 获取在用记录
func (r *PushFailureRepository) Get(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "redis.PushFailureRepository.Get")
	defer span.End()

	data, err := r.client.rdb.Get(ctx, pushFailureKey(kind)).Bytes()
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get push failure: %w", err)
	}
	return decodePushFailure(data)
}

// Archive 通过 Lua 脚本认领并归档，并发调用只有一个能拿到记录
func (r *PushFailureRepository) Archive(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "redis.PushFailureRepository.Archive")
	defer span.End()

	keys := []string{pushFailureKey(kind), pushFailureLogKey(kind)}
	raw, err := archiveScript.Run(ctx, r.client.rdb, keys).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to archive push failure: %w", err)
	}
	return decodePushFailure([]byte(raw))
}

// ListArchived 归档日志
func (r *PushFailureRepository) ListArchived(ctx context.Context, kind entity.DocKind) ([]*entity.PushFailure, error) {
	ctx, span := tracer.Start(ctx, "redis.PushFailureRepository.ListArchived")
	defer span.End()

	items, err := r.client.rdb.LRange(ctx, pushFailureLogKey(kind), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list archived push failures: %w", err)
	}

	out := make([]*entity.PushFailure, 0, len(items))
	for _, item := range items {
		f, err := decodePushFailure([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func decodePushFailure(data []byte) (*entity.PushFailure, error) {
	var f entity.PushFailure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode push failure: %w", err)
	}
	return &f, nil
}
