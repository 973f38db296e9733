// Package consumer 是展示进程一侧的目录：接收变更事件，水合实体，
// 并提供筛选、当前激活实体以及可取消的运行流程。
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/stream"
	"k8s.io/klog/v2"
)

// Filter 是一个筛选谓词，所有已注册的 Filter 取交集。
// Filter 在 Registry 持有内部锁时被调用，不能回调 Registry。
type Filter func(entity catalog.Entity) bool

// Options 配置 Registry。
type Options struct {
	// Navigate 传递给实体的运行行为
	Navigate func(url string)
	// HookTimeout 是每个 before-run hook 的最长执行时间，0 表示不限制
	HookTimeout time.Duration
}

type hydrated struct {
	raw    *metav1.RawEntity
	entity catalog.Entity
}

// Registry 是展示进程中的实体目录。
// 一个 uid 任何时刻只会出现在 entities 和 pending 其中之一。
type Registry struct {
	categories *catalog.CategoryRegistry
	opts       Options

	mu        sync.Mutex
	started   bool
	entities  map[string]hydrated
	pending   map[string]*metav1.RawEntity
	activeUID string

	filters      map[int]Filter
	nextFilterID int
	hooks        map[int]BeforeRunHook
	nextHookID   int
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry(categories *catalog.CategoryRegistry, opts Options) *Registry {
	return &Registry{
		categories: categories,
		opts:       opts,
		entities:   make(map[string]hydrated),
		pending:    make(map[string]*metav1.RawEntity),
		filters:    make(map[int]Filter),
		hooks:      make(map[int]BeforeRunHook),
	}
}

// Categories 返回用于水合的分类表。
func (r *Registry) Categories() *catalog.CategoryRegistry {
	return r.categories
}

// Start 连接变更事件流，只能调用一次。
func (r *Registry) Start(ctx context.Context, adapter StreamAdapter) (*stream.Subscription, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("consumer registry already started")
	}
	r.started = true
	r.mu.Unlock()

	return adapter.Connect(ctx, r.Apply)
}

// Apply 把一个变更事件应用到目录上。
func (r *Registry) Apply(event metav1.ChangeEvent) {
	switch event.Type {
	case metav1.EventAdd:
		r.OnAdd(event.Entity)
	case metav1.EventUpdate:
		r.OnUpdate(event.UID, event.Patch)
	case metav1.EventDelete:
		r.OnDelete(event.UID)
	default:
		klog.Warningf("Ignoring change event of unknown type %q for %s", event.Type, event.UID)
	}
}

// OnAdd 水合 raw，失败时放入待定缓冲区。uid 已存在时覆盖。
func (r *Registry) OnAdd(raw *metav1.RawEntity) {
	if raw == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(raw.DeepCopy().Normalize())
}

// OnUpdate 把补丁中出现的段合并到 uid 对应的记录上，uid 不存在时忽略。
func (r *Registry) OnUpdate(uid string, patch *metav1.EntityPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current *metav1.RawEntity
	if h, ok := r.entities[uid]; ok {
		current = h.raw
	} else if raw, ok := r.pending[uid]; ok {
		current = raw
	} else {
		klog.V(4).InfoS("Ignoring update for unknown entity", "uid", uid)
		return
	}

	merged, err := metav1.ApplyEntityPatch(current, patch)
	if err != nil {
		klog.ErrorS(err, "Failed to apply entity update", "uid", uid)
		return
	}
	// kind 与 apiVersion 不可变，uid 也不能被补丁改写
	merged.TypeMeta = current.TypeMeta
	merged.Metadata.UID = uid
	r.putLocked(merged)
}

// OnDelete 从两个 map 中移除 uid。
func (r *Registry) OnDelete(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, uid)
	delete(r.pending, uid)
}

// putLocked 用新的记录替换 uid 的旧记录，已交出去的实体不会被修改。
func (r *Registry) putLocked(raw *metav1.RawEntity) {
	uid := raw.Metadata.UID
	entity, err := r.categories.GetEntityForData(raw)
	if err != nil {
		if !errors.Is(err, catalog.ErrNoCategory) && !errors.Is(err, catalog.ErrNoVersion) {
			klog.ErrorS(err, "Failed to hydrate entity", "uid", uid, "kind", raw.Kind)
		}
		delete(r.entities, uid)
		r.pending[uid] = raw
		return
	}
	delete(r.pending, uid)
	r.entities[uid] = hydrated{raw: raw, entity: entity}
}

// resolvePendingLocked 重新尝试水合所有待定记录，返回是否有记录被移入已水合集合。
func (r *Registry) resolvePendingLocked() bool {
	resolved := false
	for uid, raw := range r.pending {
		entity, err := r.categories.GetEntityForData(raw)
		if err != nil {
			continue
		}
		delete(r.pending, uid)
		r.entities[uid] = hydrated{raw: raw, entity: entity}
		resolved = true
		klog.V(4).InfoS("Resolved pending entity", "uid", uid, "kind", raw.Kind)
	}
	return resolved
}

// Entities 返回所有已水合的实体，按 uid 排序。
// 返回之前会重新尝试水合待定记录。
func (r *Registry) Entities() []catalog.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	return r.sortedLocked(nil)
}

// FilteredEntities 返回满足所有已注册 Filter 的实体。
func (r *Registry) FilteredEntities() []catalog.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	return r.filterLocked(r.sortedLocked(nil))
}

// GetByID 返回 uid 对应的已水合实体。
func (r *Registry) GetByID(uid string) (catalog.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	h, ok := r.entities[uid]
	return h.entity, ok
}

// ItemsForAPIKind 返回 apiVersion 和 kind 都匹配的实体。
func (r *Registry) ItemsForAPIKind(apiVersion, kind string) []catalog.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	return r.sortedLocked(matchAPIKind(apiVersion, kind))
}

// FilteredItemsForAPIKind 在 ItemsForAPIKind 的基础上应用已注册的 Filter。
func (r *Registry) FilteredItemsForAPIKind(apiVersion, kind string) []catalog.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	return r.filterLocked(r.sortedLocked(matchAPIKind(apiVersion, kind)))
}

// ItemsByCategory 返回属于 category 任一版本的实体。
func (r *Registry) ItemsByCategory(category *catalog.Category) []catalog.Entity {
	apiVersions := make(map[string]bool)
	for _, v := range category.APIVersions() {
		apiVersions[v] = true
	}
	kind := category.Spec.Names.Kind

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvePendingLocked()
	return r.sortedLocked(func(e catalog.Entity) bool {
		t := e.GetTypeMeta()
		return t.Kind == kind && apiVersions[t.APIVersion]
	})
}

// PendingCount 返回尚未水合的记录数量。
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// AddFilter 注册一个 Filter，返回的函数会移除它。
func (r *Registry) AddFilter(f Filter) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextFilterID
	r.nextFilterID++
	r.filters[id] = f

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.filters, id)
	}
}

// SetActiveEntity 设置当前激活的实体，空字符串表示清除。
// uid 可以指向一个尚未水合的记录。
func (r *Registry) SetActiveEntity(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeUID = uid
}

// SetActiveEntityFor 把 entity 设为当前激活的实体，nil 表示清除。
func (r *Registry) SetActiveEntityFor(entity catalog.Entity) {
	if entity == nil {
		r.SetActiveEntity("")
		return
	}
	r.SetActiveEntity(entity.GetMetadata().UID)
}

// ActiveEntity 返回当前激活的实体。
// 指向的记录尚未水合时会先尝试一次水合。
func (r *Registry) ActiveEntity() (catalog.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeUID == "" {
		return nil, false
	}
	if h, ok := r.entities[r.activeUID]; ok {
		return h.entity, true
	}
	if len(r.pending) > 0 && r.resolvePendingLocked() {
		if h, ok := r.entities[r.activeUID]; ok {
			return h.entity, true
		}
	}
	return nil, false
}

func (r *Registry) sortedLocked(match func(catalog.Entity) bool) []catalog.Entity {
	uids := make([]string, 0, len(r.entities))
	for uid, h := range r.entities {
		if match == nil || match(h.entity) {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	out := make([]catalog.Entity, 0, len(uids))
	for _, uid := range uids {
		out = append(out, r.entities[uid].entity)
	}
	return out
}

func (r *Registry) filterLocked(items []catalog.Entity) []catalog.Entity {
	if len(r.filters) == 0 {
		return items
	}
	out := items[:0]
	for _, e := range items {
		if r.matchesFiltersLocked(e) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) matchesFiltersLocked(e catalog.Entity) bool {
	for _, f := range r.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func matchAPIKind(apiVersion, kind string) func(catalog.Entity) bool {
	return func(e catalog.Entity) bool {
		t := e.GetTypeMeta()
		return t.APIVersion == apiVersion && t.Kind == kind
	}
}
