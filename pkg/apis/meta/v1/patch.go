package v1

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"k8s.io/apimachinery/pkg/api/equality"
)

var emptyPatch = []byte("{}")

// CreateEntityPatch 分别比较 metadata、status、spec 三个段，
// 只为结构上不相等的段生成 merge patch。两个快照完全相同时返回 nil。
func CreateEntityPatch(old, cur *RawEntity) (*EntityPatch, error) {
	metadata, err := diffSection(old.Metadata, cur.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to diff metadata: %w", err)
	}
	status, err := diffSection(old.Status, cur.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to diff status: %w", err)
	}
	spec, err := diffSection(old.Spec, cur.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to diff spec: %w", err)
	}

	patch := &EntityPatch{Metadata: metadata, Status: status, Spec: spec}
	if patch.IsEmpty() {
		return nil, nil
	}
	return patch, nil
}

func diffSection(old, cur interface{}) (json.RawMessage, error) {
	if equality.Semantic.DeepEqual(old, cur) {
		return nil, nil
	}

	oldJSON, err := json.Marshal(old)
	if err != nil {
		return nil, err
	}
	curJSON, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.CreateMergePatch(normalizeNull(oldJSON), normalizeNull(curJSON))
	if err != nil {
		return nil, err
	}
	// 类型不同但 JSON 表示相同 (例如 int64 与 float64) 视为没有变化
	if bytes.Equal(patch, emptyPatch) {
		return nil, nil
	}
	return patch, nil
}

// ApplyEntityPatch 把补丁中出现的段深度合并到 raw 的副本上，未出现的段保持不变。
// raw 本身不会被修改。
func ApplyEntityPatch(raw *RawEntity, patch *EntityPatch) (*RawEntity, error) {
	out := raw.DeepCopy()
	if patch.IsEmpty() {
		return out, nil
	}

	if hasSection(patch.Metadata) {
		metadata, err := mergeSection(out.Metadata, patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to merge metadata: %w", err)
		}
		out.Metadata = metadata
	}
	if hasSection(patch.Status) {
		status, err := mergeSection(out.Status, patch.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to merge status: %w", err)
		}
		out.Status = status
	}
	if hasSection(patch.Spec) {
		spec, err := mergeSection(out.Spec, patch.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to merge spec: %w", err)
		}
		out.Spec = spec
	}

	return out.Normalize(), nil
}

// mergeSection 解码到全新的零值，避免补丁删除的字段残留在旧值里。
func mergeSection[T any](cur T, patch json.RawMessage) (T, error) {
	var out T

	doc, err := json.Marshal(cur)
	if err != nil {
		return out, err
	}
	merged, err := jsonpatch.MergePatch(normalizeNull(doc), patch)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, err
	}
	return out, nil
}

func hasSection(section json.RawMessage) bool {
	return len(section) > 0 && !bytes.Equal(bytes.TrimSpace(section), []byte("null"))
}

func normalizeNull(doc []byte) []byte {
	if bytes.Equal(doc, []byte("null")) {
		return emptyPatch
	}
	return doc
}
