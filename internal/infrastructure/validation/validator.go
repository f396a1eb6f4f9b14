// Package validation 提供文档校验与规范化
//
// 校验顺序：JSON 解析 -> JSON Schema -> 类型相关的业务规则 -> RFC 8785 规范化。
// 任一步失败都不会产生可提交的内容。
package validation

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"phylesystem-api/internal/domain/entity"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

// ValidatorName 写入注解的校验器名称
const ValidatorName = "phylesystem-api/validation"

// ValidationError 文档未通过校验
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "document failed validation: " + strings.Join(e.Issues, "; ")
}

// ValidationIssues 校验问题列表
func (e *ValidationError) ValidationIssues() []string {
	return e.Issues
}

// Options 校验选项
type Options struct {
	MaxNumTrees      int
	ValidatorVersion string
}

// ruleFunc 类型相关的业务规则，可修改 doc，返回问题与提示
type ruleFunc func(doc map[string]any, targetVersion string, opts Options) (issues, notes []string)

// Validator 单一文档类型的校验器
type Validator struct {
	kind   entity.DocKind
	schema *jsonschema.Schema
	rule   ruleFunc
	opts   Options
	now    func() time.Time
}

// New 创建文档类型对应的校验器
func New(kind entity.DocKind, opts Options) (*Validator, error) {
	schema, err := compileSchema(kind)
	if err != nil {
		return nil, err
	}
	v := &Validator{kind: kind, schema: schema, opts: opts, now: time.Now}
	if kind == entity.DocKindNexson {
		v.rule = nexsonRules
	}
	return v, nil
}

// NewAll 为所有已实现的文档类型创建校验器
func NewAll(opts Options) (map[entity.DocKind]*Validator, error) {
	out := make(map[entity.DocKind]*Validator, len(entity.AllDocKinds))
	for _, kind := range entity.AllDocKinds {
		v, err := New(kind, opts)
		if err != nil {
			return nil, err
		}
		out[kind] = v
	}
	return out, nil
}

func compileSchema(kind entity.DocKind) (*jsonschema.Schema, error) {
	name := fmt.Sprintf("schema/%s.schema.json", kind)
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("no schema for %s: %w", kind, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.opentreeoflife.org/%s.schema.json", kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", kind, err)
	}
	return compiled, nil
}

// Validate 校验并规范化文档
func (v *Validator) Validate(ctx context.Context, raw []byte, targetVersion string) (*entity.ValidatedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := decodeObject(raw)
	if err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}
	// 兼容 {"nexson": {...}} 包装
	if inner, ok := doc["nexson"].(map[string]any); ok && v.kind == entity.DocKindNexson {
		doc = inner
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, &ValidationError{Issues: schemaIssues(err)}
	}

	var notes []string
	sourceVersion := ""
	if v.rule != nil {
		if nexml, ok := doc["nexml"].(map[string]any); ok {
			sourceVersion, _ = nexml["@nexml2json"].(string)
		}
		issues, ruleNotes := v.rule(doc, targetVersion, v.opts)
		if len(issues) > 0 {
			return nil, &ValidationError{Issues: issues}
		}
		notes = ruleNotes
	}

	content, err := canonicalize(doc)
	if err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}

	return &entity.ValidatedDocument{
		Content:       content,
		SourceVersion: sourceVersion,
		Annotation: &entity.Annotation{
			ID:               "phylesystem-api-validation-" + uuid.NewString(),
			ValidatedAt:      v.now().UTC(),
			ValidatorName:    ValidatorName,
			ValidatorVersion: v.opts.ValidatorVersion,
			SchemaVersion:    targetVersion,
			Passed:           true,
			Messages:         append([]string{}, notes...),
		},
	}, nil
}

// Annotate 将注解嵌入文档并重新规范化；只有 NexSON 携带注解事件
func (v *Validator) Annotate(content []byte, ann *entity.Annotation) ([]byte, error) {
	if ann == nil || v.kind != entity.DocKindNexson {
		return content, nil
	}
	doc, err := decodeObject(content)
	if err != nil {
		return nil, err
	}
	nexml, ok := doc["nexml"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document has no nexml object")
	}

	encoded, err := json.Marshal(ann)
	if err != nil {
		return nil, err
	}
	annDoc, err := decodeObject(encoded)
	if err != nil {
		return nil, err
	}

	events, _ := nexml["^ot:annotationEvents"].(map[string]any)
	if events == nil {
		events = map[string]any{}
	}
	list, _ := events["annotation"].([]any)
	events["annotation"] = append(list, annDoc)
	nexml["^ot:annotationEvents"] = events

	return canonicalize(doc)
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("document is not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("document contains trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return obj, nil
}

// canonicalize 输出 RFC 8785 规范 JSON，以末尾换行结束
func canonicalize(doc map[string]any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}
	return append(out, '\n'), nil
}

func schemaIssues(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var issues []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		issues = append(issues, fmt.Sprintf("%s: %s", loc, e.Error))
	}
	if len(issues) == 0 {
		issues = []string{ve.Error()}
	}
	return issues
}
