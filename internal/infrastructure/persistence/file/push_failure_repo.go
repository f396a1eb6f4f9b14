// Package file 提供基于本地文件的推送故障存储
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
)

// PushFailureRepository 每种文档类型一个 JSON 文件，归档追加到同名 .log
//
// CreateIfAbsent 依赖 link(2) 的原子性，Archive 依赖 rename(2) 认领，
// 因此多个进程共享同一目录也只会有一条在用记录。
type PushFailureRepository struct {
	dir string
	// logMu 串行化同一进程内的归档追加
	logMu sync.Mutex
}

// NewPushFailureRepository 创建文件仓储，目录不存在时创建
func NewPushFailureRepository(dir string) (*PushFailureRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create push failure dir: %w", err)
	}
	return &PushFailureRepository{dir: dir}, nil
}

var _ repository.PushFailureRepository = (*PushFailureRepository)(nil)

func (r *PushFailureRepository) recordPath(kind entity.DocKind) string {
	return filepath.Join(r.dir, fmt.Sprintf("push_failure_%s.json", kind))
}

func (r *PushFailureRepository) logPath(kind entity.DocKind) string {
	return filepath.Join(r.dir, fmt.Sprintf("push_failure_%s.log", kind))
}

// CreateIfAbsent 先写临时文件，再硬链接到目标路径
func (r *PushFailureRepository) CreateIfAbsent(ctx context.Context, failure *entity.PushFailure) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	data, err := json.Marshal(failure)
	if err != nil {
		return false, fmt.Errorf("failed to marshal push failure: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".push_failure_*.tmp")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write push failure: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to sync push failure: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close push failure: %w", err)
	}

	if err := os.Link(tmpName, r.recordPath(failure.Kind)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to publish push failure: %w", err)
	}
	return true, nil
}

// Get 获取在用记录
func (r *PushFailureRepository) Get(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.recordPath(kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read push failure: %w", err)
	}
	return decode(data)
}

// Archive rename 认领后追加到日志，追加失败时放回原位
func (r *PushFailureRepository) Archive(ctx context.Context, kind entity.DocKind) (*entity.PushFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claim := filepath.Join(r.dir, fmt.Sprintf(".push_failure_%s.%s.claim", kind, uuid.NewString()))
	if err := os.Rename(r.recordPath(kind), claim); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim push failure: %w", err)
	}

	data, err := os.ReadFile(claim)
	if err == nil {
		err = r.appendLog(kind, data)
	}
	if err != nil {
		// 放回；若期间已有新记录则保留新记录
		if linkErr := os.Link(claim, r.recordPath(kind)); linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
			_ = os.Remove(claim)
		}
		return nil, fmt.Errorf("failed to archive push failure: %w", err)
	}

	if err := os.Remove(claim); err != nil {
		return nil, fmt.Errorf("failed to remove claimed push failure: %w", err)
	}
	return decode(data)
}

func (r *PushFailureRepository) appendLog(kind entity.DocKind, data []byte) error {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	f, err := os.OpenFile(r.logPath(kind), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ListArchived 逐行读取归档日志
func (r *PushFailureRepository) ListArchived(ctx context.Context, kind entity.DocKind) ([]*entity.PushFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(r.logPath(kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*entity.PushFailure{}, nil
		}
		return nil, fmt.Errorf("failed to open push failure log: %w", err)
	}
	defer f.Close()

	out := []*entity.PushFailure{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		failure, err := decode(line)
		if err != nil {
			return nil, err
		}
		out = append(out, failure)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read push failure log: %w", err)
	}
	return out, nil
}

func decode(data []byte) (*entity.PushFailure, error) {
	var f entity.PushFailure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode push failure: %w", err)
	}
	return &f, nil
}
