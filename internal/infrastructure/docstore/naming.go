// Package docstore 提供各文档存储后端共用的命名与合并规则
package docstore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"phylesystem-api/internal/domain/entity"
)

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeLogin 将登录名转换为可用于分支名的形式
func SafeLogin(login string) string {
	s := unsafeRefChars.ReplaceAllString(login, "-")
	s = strings.Trim(s, ".-")
	if s == "" {
		return "anonymous"
	}
	return s
}

// wipStem 作者在某文档上的 WIP 分支前缀，如 alice_study_ot_12_
func wipStem(login string, kind entity.DocKind, id string) string {
	return fmt.Sprintf("%s_%s_%s_", SafeLogin(login), kind.PathPrefix(), id)
}

// WIPBranchName 第 n 个 WIP 分支名
func WIPBranchName(login string, kind entity.DocKind, id string, n int) string {
	return wipStem(login, kind, id) + strconv.Itoa(n)
}

// IsWIPBranchFor 分支是否承载该文档的编辑
func IsWIPBranchFor(branch string, kind entity.DocKind, id string) bool {
	marker := "_" + kind.PathPrefix() + "_" + id + "_"
	i := strings.Index(branch, marker)
	if i <= 0 {
		return false
	}
	_, err := strconv.Atoi(branch[i+len(marker):])
	return err == nil
}

// IsAuthorWIPBranch 分支是否属于该作者在该文档上的 WIP 分支
func IsAuthorWIPBranch(branch, login string, kind entity.DocKind, id string) bool {
	stem := wipStem(login, kind, id)
	if !strings.HasPrefix(branch, stem) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(branch, stem))
	return err == nil
}

// NextWIPBranchName 选择作者在该文档上尚未使用的最小序号
func NextWIPBranchName(existing []string, login string, kind entity.DocKind, id string) string {
	used := make(map[string]bool, len(existing))
	for _, b := range existing {
		used[b] = true
	}
	for n := 0; ; n++ {
		name := WIPBranchName(login, kind, id, n)
		if !used[name] {
			return name
		}
	}
}

// NextNumericID 根据已有 ID 计算下一个 prefix+N
func NextNumericID(prefix string, ids []string, floor int) (string, int) {
	maxN := floor
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err == nil && n > maxN {
			maxN = n
		}
	}
	next := maxN + 1
	return prefix + strconv.Itoa(next), next
}

// DocIDFromFilename 由仓库内文件名得到文档 ID
func DocIDFromFilename(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	return id, id != ""
}

// SortedKeys 返回 map 的有序键
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeCommitMessage 合并提交信息
func MergeCommitMessage(dest, src string) string {
	return fmt.Sprintf("Merge branch '%s' into %s", src, dest)
}
