package catalog

import (
	"context"
	"fmt"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Entity 是水合后的、带类型的目录实体。
// kind 和 apiVersion 在实体的生命周期内不可变。
type Entity interface {
	GetTypeMeta() metav1.TypeMeta
	GetMetadata() metav1.ObjectMeta
	GetStatus() metav1.EntityStatus

	// ToRaw 把实体序列化为可传输的 RawEntity。
	ToRaw() (*metav1.RawEntity, error)

	// OnRun 是实体自身的运行行为，例如打开集群或书签。
	OnRun(ctx context.Context, rc RunContext) error
}

// RunContext 是传递给实体运行行为的能力集合。
type RunContext struct {
	// Navigate 在展示进程中导航到给定地址
	Navigate func(url string)
	// SetActiveEntity 修改当前激活的实体
	SetActiveEntity func(uid string)
}

// FromRaw 使用 unstructured 转换把 raw 填充到带类型的实体 into 中，into 必须是指针。
func FromRaw(raw *metav1.RawEntity, into interface{}) error {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(raw)
	if err != nil {
		return fmt.Errorf("failed to convert raw entity %s: %w", raw.Metadata.UID, err)
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u, into); err != nil {
		return fmt.Errorf("failed to convert raw entity %s into %T: %w", raw.Metadata.UID, into, err)
	}
	return nil
}

// ToRaw 是 FromRaw 的逆操作，obj 必须是指向带类型实体的指针。
// 返回结果中的数值统一为 int64/float64，可以安全地深拷贝。
func ToRaw(obj interface{}) (*metav1.RawEntity, error) {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T to unstructured: %w", obj, err)
	}

	raw := &metav1.RawEntity{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u, raw); err != nil {
		return nil, fmt.Errorf("failed to convert %T to raw entity: %w", obj, err)
	}
	return raw.Normalize(), nil
}
