// file: pkg/registry/event.go

package registry

import metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"

// EventType 定义了事件的类型
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
)

// Event 是一个描述持久化实体变更的事件。
type Event struct {
	Type EventType
	// Key 是实体的 uid
	Key string
	// Object 是变更后的实体，删除事件中是被删除前的最后状态
	Object *metav1.RawEntity
	// ResourceVersion 是变更后实体的 resourceVersion
	ResourceVersion string
}
