package validation

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// nexsonRules NexSON 的版本与规模检查
//
// 缺失 @nexml2json 时视为目标版本并补写；主次版本不同的文档需要格式转换，这里直接拒绝。
func nexsonRules(doc map[string]any, targetVersion string, opts Options) (issues, notes []string) {
	nexml, ok := doc["nexml"].(map[string]any)
	if !ok {
		return []string{"/nexml: expected object"}, nil
	}

	target, err := semver.NewVersion(targetVersion)
	if err != nil {
		return []string{fmt.Sprintf("invalid target NexSON version %q", targetVersion)}, nil
	}

	declared, _ := nexml["@nexml2json"].(string)
	if declared == "" {
		nexml["@nexml2json"] = target.Original()
		notes = append(notes, fmt.Sprintf("missing @nexml2json, assumed %s", target.Original()))
	} else {
		got, err := semver.NewVersion(declared)
		switch {
		case err != nil:
			issues = append(issues, fmt.Sprintf("/nexml/@nexml2json: %q is not a version", declared))
		case got.Major() != target.Major() || got.Minor() != target.Minor():
			issues = append(issues, fmt.Sprintf("NexSON %s cannot be stored as %s: format conversion is not supported", declared, target.Original()))
		case !got.Equal(target):
			nexml["@nexml2json"] = target.Original()
			notes = append(notes, fmt.Sprintf("@nexml2json %s normalized to %s", declared, target.Original()))
		}
	}

	if n := countTrees(nexml); opts.MaxNumTrees > 0 && n > opts.MaxNumTrees {
		issues = append(issues, fmt.Sprintf("too many trees: %d exceeds the limit of %d", n, opts.MaxNumTrees))
	}
	if msgs := danglingOTURefs(nexml); len(msgs) > 0 {
		issues = append(issues, msgs...)
	}
	return issues, notes
}

func countTrees(nexml map[string]any) int {
	groups, _ := nexml["treesById"].(map[string]any)
	n := 0
	for _, g := range groups {
		group, _ := g.(map[string]any)
		trees, _ := group["treeById"].(map[string]any)
		n += len(trees)
	}
	return n
}

// danglingOTURefs 树组引用的 otus 必须存在
func danglingOTURefs(nexml map[string]any) []string {
	otus, _ := nexml["otusById"].(map[string]any)
	groups, _ := nexml["treesById"].(map[string]any)

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var issues []string
	for _, id := range ids {
		group, _ := groups[id].(map[string]any)
		ref, _ := group["@otus"].(string)
		if ref == "" {
			continue
		}
		if _, ok := otus[ref]; !ok {
			issues = append(issues, fmt.Sprintf("/nexml/treesById/%s/@otus: unknown otus group %q", id, ref))
		}
	}
	return issues
}
