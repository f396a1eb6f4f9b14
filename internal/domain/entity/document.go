// Package entity 定义领域实体
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DocKind 文档类型
type DocKind string

const (
	DocKindNexson     DocKind = "nexson"
	DocKindCollection DocKind = "collection"
	DocKindAmendment  DocKind = "amendment"
	// DocKindFavorites 已保留但未实现
	DocKindFavorites DocKind = "favorites"
)

// AllDocKinds 已实现的文档类型
var AllDocKinds = []DocKind{DocKindNexson, DocKindCollection, DocKindAmendment}

// ErrUnknownDocKind 无法识别的 doc_type
type ErrUnknownDocKind struct {
	Value string
}

func (e *ErrUnknownDocKind) Error() string {
	return fmt.Sprintf("unknown doc_type %q", e.Value)
}

// ParseDocKind 解析 doc_type 参数，空值视为 nexson
func ParseDocKind(s string) (DocKind, error) {
	switch k := DocKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return DocKindNexson, nil
	case DocKindNexson, DocKindCollection, DocKindAmendment, DocKindFavorites:
		return k, nil
	default:
		return "", &ErrUnknownDocKind{Value: s}
	}
}

// Implemented 是否已实现
func (k DocKind) Implemented() bool {
	return k == DocKindNexson || k == DocKindCollection || k == DocKindAmendment
}

// RecordKey 失败记录中标识文档的字段名
func (k DocKind) RecordKey() string {
	switch k {
	case DocKindNexson:
		return "study"
	default:
		return string(k)
	}
}

// PathPrefix 文档在仓库中的目录，同时用于 WIP 分支命名
func (k DocKind) PathPrefix() string {
	return k.RecordKey()
}

// AuthInfo 提交作者信息
type AuthInfo struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// DisplayName 作者显示名，缺省时退回到 login
func (a AuthInfo) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Login
}

// MailAddress 作者邮箱，缺省时使用占位地址
func (a AuthInfo) MailAddress() string {
	if a.Email != "" {
		return a.Email
	}
	return a.Login + "@users.noreply.opentreeoflife.org"
}

// DocumentSnapshot 某一提交下的文档
type DocumentSnapshot struct {
	ResourceID string          `json:"resource_id"`
	Content    json.RawMessage `json:"data"`
	// HeadSHA 读取所基于的提交
	HeadSHA string `json:"sha"`
	// WIP 分支名 -> 分支头
	WIP map[string]string `json:"branch2sha"`
}

// VersionEntry 文档历史中的一条提交
type VersionEntry struct {
	SHA         string    `json:"id"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	Date        time.Time `json:"date"`
	Message     string    `json:"message_subject"`
}

// BranchHead 分支及其头提交
type BranchHead struct {
	Name string `json:"branch"`
	SHA  string `json:"sha"`
}
