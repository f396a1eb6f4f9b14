package workflow

import (
	"fmt"

	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/domain/repository"
	apperrors "phylesystem-api/pkg/errors"
)

// Registry 按文档类型查找存储与校验器
type Registry struct {
	stores     map[entity.DocKind]repository.DocumentStore
	validators map[entity.DocKind]Validator
}

// NewRegistry 创建注册表；同一类型重复注册时后者覆盖前者
func NewRegistry(stores []repository.DocumentStore, validators map[entity.DocKind]Validator) *Registry {
	r := &Registry{
		stores:     make(map[entity.DocKind]repository.DocumentStore, len(stores)),
		validators: make(map[entity.DocKind]Validator, len(validators)),
	}
	for _, s := range stores {
		r.stores[s.Kind()] = s
	}
	for k, v := range validators {
		r.validators[k] = v
	}
	return r
}

// Store 获取文档类型对应的存储
func (r *Registry) Store(kind entity.DocKind) (repository.DocumentStore, error) {
	if !kind.Implemented() {
		return nil, apperrors.ErrNotImplemented.WithDetail(fmt.Sprintf("doc_type %q is not supported", kind))
	}
	s, ok := r.stores[kind]
	if !ok {
		return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("no document store configured for %q", kind))
	}
	return s, nil
}

// Validator 获取文档类型对应的校验器
func (r *Registry) Validator(kind entity.DocKind) (Validator, error) {
	v, ok := r.validators[kind]
	if !ok {
		return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("no validator configured for %q", kind))
	}
	return v, nil
}

// Kinds 已配置存储的文档类型
func (r *Registry) Kinds() []entity.DocKind {
	out := make([]entity.DocKind, 0, len(r.stores))
	for _, k := range entity.AllDocKinds {
		if _, ok := r.stores[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
