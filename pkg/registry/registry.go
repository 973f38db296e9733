// file: pkg/registry/registry.go

package registry

import (
	"context"
	"sort"
	"sync"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
)

// LocalSource 是由 registry 持久化的实体的 metadata.source。
const LocalSource = "local"

// 编译时检查
var _ Interface = &Registry{}

// Interface 是 Registry 业务逻辑层的接口。
// 它定义了所有上层组件（如 Informer, host 的 invoke 处理器）可以调用的方法。
type Interface interface {
	// Subscribe 订阅 Registry 的变更事件。
	Subscribe() (<-chan Event, func())

	CreateEntity(ctx context.Context, entity *metav1.RawEntity) (*metav1.RawEntity, error)
	UpdateEntity(ctx context.Context, entity *metav1.RawEntity) (*metav1.RawEntity, error)
	UpdateEntityStatus(ctx context.Context, uid string, status metav1.EntityStatus) (*metav1.RawEntity, error)
	GetEntity(ctx context.Context, uid string) (*metav1.RawEntity, error)
	ListEntities(ctx context.Context) ([]*metav1.RawEntity, string, error)
	DeleteEntity(ctx context.Context, uid string) error
}

// Registry 是业务逻辑层，它使用一个 Store 接口来持久化数据，并广播变更事件。
type Registry struct {
	store Store

	// 保证写入 store 与广播事件的顺序一致
	writeLock sync.Mutex

	// --- 事件相关的字段 ---
	subs      map[int]chan Event // 存储所有订阅者的 channel
	nextSubID int
	subsLock  sync.RWMutex // 保护 subs 字段的锁
}

// NewRegistry 创建一个新的 Registry 实例。
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		subs:  make(map[int]chan Event),
	}
}

// Subscribe 允许一个 Informer 或其他组件订阅 Registry 的变更事件。
// 它返回一个用于接收事件的 channel 和一个用于取消订阅的函数。
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()

	id := r.nextSubID
	r.nextSubID++

	ch := make(chan Event, 100) // 使用带缓冲的 channel
	r.subs[id] = ch

	cancelFunc := func() {
		r.subsLock.Lock()
		defer r.subsLock.Unlock()
		if ch, ok := r.subs[id]; ok {
			close(ch)
			delete(r.subs, id)
		}
	}

	return ch, cancelFunc
}

// publish 是一个内部方法，用于向所有订阅者广播一个事件。
func (r *Registry) publish(eventType EventType, obj *metav1.RawEntity) {
	event := Event{
		Type:            eventType,
		Key:             obj.Metadata.UID,
		Object:          obj,
		ResourceVersion: obj.Metadata.ResourceVersion,
	}

	r.subsLock.RLock()
	defer r.subsLock.RUnlock()

	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		ev := event
		ev.Object = obj.DeepCopy()
		select {
		case r.subs[id] <- ev:
			// 发送成功
		default:
			// channel 已满时丢弃事件，周期性的 resync 会修正遗漏
			klog.Warningf("Registry event channel is full. Discarding event for key %s.", event.Key)
		}
	}
}

// CreateEntity 设置默认值、校验并持久化一个新实体。
func (r *Registry) CreateEntity(ctx context.Context, entity *metav1.RawEntity) (*metav1.RawEntity, error) {
	obj := entity.DeepCopy()
	setEntityDefaults(obj)
	obj.Metadata.ResourceVersion = ""

	if errs := validateEntity(obj); len(errs) > 0 {
		return nil, errors.NewInvalid(groupKindOf(obj), obj.Metadata.UID, errs)
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if err := r.store.Create(obj); err != nil {
		return nil, err
	}
	klog.V(4).InfoS("Entity created", "uid", obj.Metadata.UID, "kind", obj.Kind, "resourceVersion", obj.Metadata.ResourceVersion)
	r.publish(Added, obj)
	return obj.DeepCopy(), nil
}

// UpdateEntity 整体替换一个已存在的实体。
func (r *Registry) UpdateEntity(ctx context.Context, entity *metav1.RawEntity) (*metav1.RawEntity, error) {
	obj := entity.DeepCopy()
	setEntityDefaults(obj)

	if errs := validateEntity(obj); len(errs) > 0 {
		return nil, errors.NewInvalid(groupKindOf(obj), obj.Metadata.UID, errs)
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if err := r.store.Update(obj); err != nil {
		return nil, err
	}
	klog.V(4).InfoS("Entity updated", "uid", obj.Metadata.UID, "resourceVersion", obj.Metadata.ResourceVersion)
	r.publish(Modified, obj)
	return obj.DeepCopy(), nil
}

// UpdateEntityStatus 只替换实体的 status。
func (r *Registry) UpdateEntityStatus(ctx context.Context, uid string, status metav1.EntityStatus) (*metav1.RawEntity, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	obj, err := r.store.Get(uid)
	if err != nil {
		return nil, err
	}
	status.DeepCopyInto(&obj.Status)

	if err := r.store.Update(obj); err != nil {
		return nil, err
	}
	r.publish(Modified, obj)
	return obj.DeepCopy(), nil
}

func (r *Registry) GetEntity(ctx context.Context, uid string) (*metav1.RawEntity, error) {
	return r.store.Get(uid)
}

// ListEntities 返回所有实体和当前的全局 resourceVersion。
func (r *Registry) ListEntities(ctx context.Context) ([]*metav1.RawEntity, string, error) {
	return r.store.List()
}

func (r *Registry) DeleteEntity(ctx context.Context, uid string) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	obj, err := r.store.Delete(uid)
	if err != nil {
		return err
	}
	klog.V(4).InfoS("Entity deleted", "uid", uid)
	r.publish(Deleted, obj)
	return nil
}

// Close 关闭所有订阅并释放 store。
func (r *Registry) Close() error {
	r.subsLock.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsLock.Unlock()
	return r.store.Close()
}

func setEntityDefaults(obj *metav1.RawEntity) {
	if obj.Metadata.UID == "" {
		obj.Metadata.UID = uuid.NewString()
	}
	if obj.Metadata.Source == "" {
		obj.Metadata.Source = LocalSource
	}
	obj.Normalize()
}

func validateEntity(obj *metav1.RawEntity) field.ErrorList {
	var errs field.ErrorList
	if obj.Kind == "" {
		errs = append(errs, field.Required(field.NewPath("kind"), ""))
	}
	if group, version := metav1.SplitAPIVersion(obj.APIVersion); group == "" || version == "" {
		errs = append(errs, field.Invalid(field.NewPath("apiVersion"), obj.APIVersion, "must be of the form <group>/<version>"))
	}
	if obj.Metadata.Name == "" {
		errs = append(errs, field.Required(field.NewPath("metadata", "name"), ""))
	}
	if err := checkKey(obj.Metadata.UID); err != nil {
		errs = append(errs, field.Invalid(field.NewPath("metadata", "uid"), obj.Metadata.UID, err.Error()))
	}
	return errs
}

func groupKindOf(obj *metav1.RawEntity) schema.GroupKind {
	gvk := obj.GroupVersionKind()
	return gvk.GroupKind()
}
