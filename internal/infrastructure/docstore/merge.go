package docstore

import (
	"bytes"
)

// ThreeWayMerge 以文档为粒度做三方合并
// 同一文档两侧修改不一致时记为冲突，返回冲突文档 ID 列表
func ThreeWayMerge(base, ours, theirs map[string][]byte) (map[string][]byte, []string) {
	ids := make(map[string]struct{}, len(ours)+len(theirs))
	for id := range base {
		ids[id] = struct{}{}
	}
	for id := range ours {
		ids[id] = struct{}{}
	}
	for id := range theirs {
		ids[id] = struct{}{}
	}

	merged := make(map[string][]byte, len(ids))
	var conflicts []string
	for _, id := range SortedKeys(ids) {
		b, inBase := base[id]
		o, inOurs := ours[id]
		t, inTheirs := theirs[id]

		var (
			pick   []byte
			keep   bool
			failed bool
		)
		switch {
		case sameDoc(o, inOurs, t, inTheirs):
			pick, keep = o, inOurs
		case sameDoc(o, inOurs, b, inBase):
			pick, keep = t, inTheirs
		case sameDoc(t, inTheirs, b, inBase):
			pick, keep = o, inOurs
		default:
			failed = true
		}
		if failed {
			conflicts = append(conflicts, id)
			continue
		}
		if keep {
			merged[id] = pick
		}
	}
	return merged, conflicts
}

func sameDoc(a []byte, aOK bool, b []byte, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	return !aOK || bytes.Equal(a, b)
}
