package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
)

var (
	// ErrNoCategory 表示没有为实体的 (group, kind) 注册分类
	ErrNoCategory = errors.New("no category registered")
	// ErrNoVersion 表示分类存在，但没有声明实体的版本
	ErrNoVersion = errors.New("category does not declare version")
)

// EntityConstructor 从 RawEntity 构造一个带类型的实体。
type EntityConstructor func(raw *metav1.RawEntity) (Entity, error)

// CategoryVersion 把一个版本名绑定到构造函数。
type CategoryVersion struct {
	// 例如 "v1alpha1"
	Name string
	New  EntityConstructor
}

type CategoryNames struct {
	Kind string
}

type CategorySpec struct {
	Group    string
	Versions []CategoryVersion
	Names    CategoryNames
}

type CategoryMetadata struct {
	// 显示名称，例如 "Clusters"
	Name string
	Icon string
}

// Category 是一个分类声明，通常在插件激活时注册。
type Category struct {
	Metadata CategoryMetadata
	Spec     CategorySpec
}

// GroupKind 返回分类的注册键。
func (c *Category) GroupKind() schema.GroupKind {
	return schema.GroupKind{Group: c.Spec.Group, Kind: c.Spec.Names.Kind}
}

// Version 查找名称为 name 的版本声明。
func (c *Category) Version(name string) (CategoryVersion, bool) {
	for _, v := range c.Spec.Versions {
		if v.Name == name {
			return v, true
		}
	}
	return CategoryVersion{}, false
}

// APIVersions 返回该分类支持的全部 "<group>/<version>"。
func (c *Category) APIVersions() []string {
	out := make([]string, 0, len(c.Spec.Versions))
	for _, v := range c.Spec.Versions {
		out = append(out, c.Spec.Group+"/"+v.Name)
	}
	return out
}

func (c *Category) validate() error {
	if c.Spec.Group == "" || c.Spec.Names.Kind == "" {
		return fmt.Errorf("category must declare group and kind")
	}
	if len(c.Spec.Versions) == 0 {
		return fmt.Errorf("category %s must declare at least one version", c.GroupKind())
	}
	for _, v := range c.Spec.Versions {
		if v.Name == "" || v.New == nil {
			return fmt.Errorf("category %s declares an incomplete version", c.GroupKind())
		}
	}
	return nil
}

type registration struct {
	id       uint64
	category *Category
}

// CategoryRegistry 是 (group, kind) 到分类声明的封闭表。
type CategoryRegistry struct {
	mu         sync.RWMutex
	categories map[schema.GroupKind]registration
	nextID     uint64

	listeners      map[int]func()
	nextListenerID int
}

// NewCategoryRegistry 创建一个空的分类表。
func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{
		categories: make(map[schema.GroupKind]registration),
		listeners:  make(map[int]func()),
	}
}

// Add 注册一个分类并返回注销函数。
// 同一 (group, kind) 的重复注册会覆盖之前的注册，此时旧注册的注销函数不再生效。
func (r *CategoryRegistry) Add(category *Category) (func(), error) {
	if err := category.validate(); err != nil {
		return nil, err
	}

	gk := category.GroupKind()

	r.mu.Lock()
	if _, exists := r.categories[gk]; exists {
		klog.Warningf("Category %s registered twice, the latest registration wins", gk)
	}
	r.nextID++
	id := r.nextID
	r.categories[gk] = registration{id: id, category: category}
	r.mu.Unlock()

	klog.V(4).InfoS("Registered category", "groupKind", gk, "versions", category.APIVersions())
	r.notify()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			r.mu.Lock()
			current, ok := r.categories[gk]
			removed := ok && current.id == id
			if removed {
				delete(r.categories, gk)
			}
			r.mu.Unlock()

			if removed {
				klog.V(4).InfoS("Unregistered category", "groupKind", gk)
				r.notify()
			}
		})
	}
	return dispose, nil
}

// GetForGroupKind 返回注册在 (group, kind) 下的分类，没有时返回 nil。
func (r *CategoryRegistry) GetForGroupKind(group, kind string) *Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.categories[schema.GroupKind{Group: group, Kind: kind}]
	if !ok {
		return nil
	}
	return reg.category
}

// GetCategoryForEntity 根据 apiVersion 中第一个 "/" 之前的 group 和 kind 查找分类。
func (r *CategoryRegistry) GetCategoryForEntity(t metav1.TypeMeta) *Category {
	group, _ := metav1.SplitAPIVersion(t.APIVersion)
	return r.GetForGroupKind(group, t.Kind)
}

// GetEntityForData 水合一个 RawEntity。
// 分类或版本缺失时返回 ErrNoCategory 或 ErrNoVersion。
func (r *CategoryRegistry) GetEntityForData(raw *metav1.RawEntity) (Entity, error) {
	category := r.GetCategoryForEntity(raw.TypeMeta)
	if category == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoCategory, raw.GroupVersionKind().GroupKind())
	}

	_, version := metav1.SplitAPIVersion(raw.APIVersion)
	v, ok := category.Version(version)
	if !ok {
		return nil, fmt.Errorf("%w %q for %s", ErrNoVersion, version, category.GroupKind())
	}

	entity, err := v.New(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s %s: %w", raw.Kind, raw.Metadata.UID, err)
	}
	return entity, nil
}

// Items 返回所有已注册的分类，按 group、kind 排序。
func (r *CategoryRegistry) Items() []*Category {
	r.mu.RLock()
	out := make([]*Category, 0, len(r.categories))
	for _, reg := range r.categories {
		out = append(out, reg.category)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].GroupKind(), out[j].GroupKind()
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Kind < b.Kind
	})
	return out
}

// Subscribe 注册一个在分类集合变化后被调用的回调，返回取消函数。
func (r *CategoryRegistry) Subscribe(cb func()) func() {
	r.mu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.listeners[id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *CategoryRegistry) notify() {
	r.mu.RLock()
	listeners := make([]func(), 0, len(r.listeners))
	for _, cb := range r.listeners {
		listeners = append(listeners, cb)
	}
	r.mu.RUnlock()

	for _, cb := range listeners {
		cb()
	}
}
