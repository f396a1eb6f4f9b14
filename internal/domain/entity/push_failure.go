package entity

import (
	"encoding/json"
	"time"
)

// PushFailure 某文档类型推送失败的持久化记录
// 每种文档类型至多存在一条，推送恢复后归档并删除
type PushFailure struct {
	Date       time.Time `json:"date"`
	Kind       DocKind   `json:"doc_type"`
	ResourceID string    `json:"resource_id,omitempty"`
	// Commit 失败时已发布分支的头
	Commit string `json:"commit"`
	Detail string `json:"stacktrace"`
}

// NewPushFailure 创建失败记录
func NewPushFailure(kind DocKind, resourceID, commit, detail string) *PushFailure {
	return &PushFailure{
		Date:       time.Now().UTC(),
		Kind:       kind,
		ResourceID: resourceID,
		Commit:     commit,
		Detail:     detail,
	}
}

// MarshalJSON 额外输出按文档类型命名的 ID 字段（study / collection / amendment）
func (f PushFailure) MarshalJSON() ([]byte, error) {
	type plain PushFailure
	raw, err := json.Marshal(plain(f))
	if err != nil {
		return nil, err
	}
	if f.ResourceID == "" {
		return raw, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m[f.Kind.RecordKey()] = f.ResourceID
	return json.Marshal(m)
}

// PushStatus 推送健康状态
type PushStatus struct {
	Kind      DocKind      `json:"doc_type"`
	Succeeded bool         `json:"pushes_succeeding"`
	Failure   *PushFailure `json:"-"`
}

// PushOutcome 一次同步推送的结果
type PushOutcome struct {
	Kind       DocKind `json:"doc_type"`
	ResourceID string  `json:"resource_id,omitempty"`
	Succeeded  bool    `json:"succeeded"`
	// RecordCreated 本次失败是否新建了失败记录
	RecordCreated bool `json:"-"`
	// Recovered 本次成功是否清除了此前的失败记录
	Recovered bool   `json:"-"`
	Detail    string `json:"detail,omitempty"`
}
