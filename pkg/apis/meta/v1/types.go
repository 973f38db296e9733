package v1

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// 描述了实体的类型
type TypeMeta struct {
	// 实体的种类，例如 "KubernetesCluster"
	// +required
	Kind string `json:"kind"`

	// 实体的 API 版本，格式为 "<group>/<version>"，例如 "entity.k8slens.dev/v1alpha1"
	// +required
	APIVersion string `json:"apiVersion"`
}

// ObjectMeta 描述一个实体实例所需要的元数据
type ObjectMeta struct {
	// 实体的全局唯一标识符，在实体的整个生命周期内保持不变
	// +required
	UID string `json:"uid"`

	// 实体的显示名称
	// +required
	Name string `json:"name"`

	// 名称的缩写，用于图标等场景
	// +optional
	ShortName string `json:"shortName,omitempty"`

	// +optional
	Description string `json:"description,omitempty"`

	// 产生此实体的来源，例如 "local"、"kubeconfig"
	// +optional
	Source string `json:"source,omitempty"`

	// 用于筛选和选择实体的标签键值对
	// +required
	Labels map[string]string `json:"labels"`

	// 用于附加任意非标识性元数据的键值对
	// +optional
	Annotations map[string]string `json:"annotations,omitempty"`

	// 持久化层写入时递增的内部版本号，仅由 registry 维护
	// +readonly
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// EntityStatus 描述实体当前的状态
type EntityStatus struct {
	// 例如 "connected"、"disconnected"、"available"
	// +required
	Phase string `json:"phase"`

	// +optional
	Reason string `json:"reason,omitempty"`

	// 人类可读的详细信息
	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	Active *bool `json:"active,omitempty"`

	// +optional
	Enabled *bool `json:"enabled,omitempty"`
}

// RawEntity 是实体的可序列化形式，用于跨进程传输，也用于保存尚未水合(hydrate)的实体。
type RawEntity struct {
	TypeMeta `json:",inline"`

	Metadata ObjectMeta             `json:"metadata"`
	Status   EntityStatus           `json:"status"`
	Spec     map[string]interface{} `json:"spec"`
}

// GroupVersionKind 返回实体的 GroupVersionKind。
func (t TypeMeta) GroupVersionKind() schema.GroupVersionKind {
	group, version := SplitAPIVersion(t.APIVersion)
	return schema.GroupVersionKind{Group: group, Version: version, Kind: t.Kind}
}

// SplitAPIVersion 在第一个 "/" 处切分 apiVersion。
// 没有 "/" 时整个字符串被视为 group，version 为空。
func SplitAPIVersion(apiVersion string) (group, version string) {
	group, version, _ = strings.Cut(apiVersion, "/")
	return group, version
}

// Bool 返回指向 b 的指针，用于填充可选的布尔字段。
func Bool(b bool) *bool {
	return &b
}

// IsTrue 判断一个可选布尔字段是否被显式设置为 true。
func IsTrue(b *bool) bool {
	return b != nil && *b
}

// DeepCopyInto 将 in 深拷贝到 out 中。
func (in *ObjectMeta) DeepCopyInto(out *ObjectMeta) {
	*out = *in
	out.Labels = copyStringMap(in.Labels)
	out.Annotations = copyStringMap(in.Annotations)
}

// DeepCopyInto 将 in 深拷贝到 out 中。
func (in *EntityStatus) DeepCopyInto(out *EntityStatus) {
	*out = *in
	if in.Active != nil {
		out.Active = Bool(*in.Active)
	}
	if in.Enabled != nil {
		out.Enabled = Bool(*in.Enabled)
	}
}

// DeepCopy 返回一个完全独立的副本。spec 中只允许出现 JSON 兼容的值。
func (in *RawEntity) DeepCopy() *RawEntity {
	if in == nil {
		return nil
	}
	out := &RawEntity{TypeMeta: in.TypeMeta}
	in.Metadata.DeepCopyInto(&out.Metadata)
	in.Status.DeepCopyInto(&out.Status)
	if in.Spec != nil {
		out.Spec = runtime.DeepCopyJSON(in.Spec)
	}
	return out
}

// Normalize 把 nil 的 labels 和 spec 替换为空 map，保证线上格式稳定。
func (in *RawEntity) Normalize() *RawEntity {
	if in.Metadata.Labels == nil {
		in.Metadata.Labels = map[string]string{}
	}
	if in.Spec == nil {
		in.Spec = map[string]interface{}{}
	}
	return in
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
