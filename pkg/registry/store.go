package registry

import (
	"fmt"
	"strings"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// entitiesResource 用于构造 NotFound、AlreadyExists 等标准错误。
var entitiesResource = schema.GroupResource{Group: catalogv1.GroupName, Resource: "entities"}

// Store 是我们对持久化层的核心抽象接口。
// 创建和更新时由 Store 分配新的 resourceVersion 并写回 obj。
type Store interface {
	// Create 存入一个新实体，uid 已存在时返回 AlreadyExists。
	Create(obj *metav1.RawEntity) error

	// Update 更新一个已存在的实体。
	// obj 携带 resourceVersion 时会与已存的版本比较，不一致返回 Conflict。
	Update(obj *metav1.RawEntity) error

	// Get 读取一个实体。
	Get(uid string) (*metav1.RawEntity, error)

	// List 列出所有实体，同时返回当前的全局 resourceVersion。
	List() ([]*metav1.RawEntity, string, error)

	// Delete 删除一个实体并返回它最后的状态。
	Delete(uid string) (*metav1.RawEntity, error)

	// Close 释放底层资源。
	Close() error
}

func checkKey(uid string) error {
	if uid == "" {
		return errors.NewBadRequest("entity uid must not be empty")
	}
	if strings.ContainsAny(uid, `/\`) || uid == "." || uid == ".." {
		return errors.NewBadRequest(fmt.Sprintf("entity uid %q contains path separators", uid))
	}
	return nil
}

func checkResourceVersion(stored, incoming *metav1.RawEntity) error {
	if incoming.Metadata.ResourceVersion == "" || incoming.Metadata.ResourceVersion == stored.Metadata.ResourceVersion {
		return nil
	}
	return errors.NewConflict(entitiesResource, incoming.Metadata.UID,
		fmt.Errorf("resourceVersion %s does not match stored %s", incoming.Metadata.ResourceVersion, stored.Metadata.ResourceVersion))
}
