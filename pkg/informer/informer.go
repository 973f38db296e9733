// file: pkg/informer/informer.go

package informer

import (
	"context"
	"sort"
	"sync"
	"time"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/registry"
	"github.com/fx147/entity-catalog/pkg/source"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// ResourceEventHandler 是一组由业务控制器提供的回调函数。
// 我们直接复用 client-go 的定义，回调收到的对象是 *metav1.RawEntity。
type ResourceEventHandler = cache.ResourceEventHandler

// Informer 监听 Registry 的变更，把持久化的实体水合后作为一个 Source 提供给聚合器，
// 同时调用事件处理器。
type Informer interface {
	source.Source

	// AddEventHandler 注册一个事件处理器。
	AddEventHandler(handler ResourceEventHandler)
	// Run 启动 Informer 的主循环，直到 stopCh 关闭。
	Run(stopCh <-chan struct{})
	// HasSynced 在第一次全量同步完成后返回 true。
	HasSynced() bool
}

// informer 是 Informer 接口的具体实现。
type informer struct {
	registry     registry.Interface // 数据源
	categories   *catalog.CategoryRegistry
	resyncPeriod time.Duration

	// --- 我们的核心状态 ---
	versionCache sync.Map // 线程安全的 "uid -> resourceVersion" 缓存

	// 保护 objects，并保证对 list 的修改顺序与事件顺序一致
	mu      sync.Mutex
	objects map[string]*metav1.RawEntity
	list    *source.List
	synced  bool

	// --- 事件分发 ---
	handlers    []ResourceEventHandler
	handlerLock sync.RWMutex
}

var _ Informer = &informer{}

// NewInformer 创建一个新的 Informer 实例。
func NewInformer(reg registry.Interface, categories *catalog.CategoryRegistry, resyncPeriod time.Duration) Informer {
	return &informer{
		registry:     reg,
		categories:   categories,
		resyncPeriod: resyncPeriod,
		objects:      make(map[string]*metav1.RawEntity),
		list:         source.NewList(),
		handlers:     make([]ResourceEventHandler, 0),
	}
}

func (i *informer) Items() []catalog.Entity {
	return i.list.Items()
}

func (i *informer) Subscribe(cb func()) func() {
	return i.list.Subscribe(cb)
}

func (i *informer) AddEventHandler(handler ResourceEventHandler) {
	i.handlerLock.Lock()
	defer i.handlerLock.Unlock()
	i.handlers = append(i.handlers, handler)
}

func (i *informer) HasSynced() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.synced
}

// distribute 将一个事件分发给所有已注册的处理器。
func (i *informer) distribute(eventType registry.EventType, old, obj *metav1.RawEntity) {
	i.handlerLock.RLock()
	defer i.handlerLock.RUnlock()

	for _, handler := range i.handlers {
		switch eventType {
		case registry.Added:
			handler.OnAdd(obj, !i.synced)
		case registry.Modified:
			handler.OnUpdate(old, obj)
		case registry.Deleted:
			handler.OnDelete(obj)
		}
	}
}

func (i *informer) Run(stopCh <-chan struct{}) {
	klog.Infof("Starting informer...")

	// 1. 先订阅再全量 List，保证 List 之后的变更不会丢失
	eventCh, cancel := i.registry.Subscribe()
	defer cancel()

	stopCategories := i.categories.Subscribe(i.rehydrate)
	defer stopCategories()

	i.resync()

	// 2. 启动周期性 resync goroutine
	// 我们使用 wait.Until 来确保它在 stopCh 关闭时能正确退出
	if i.resyncPeriod > 0 {
		go wait.Until(i.resync, i.resyncPeriod, stopCh)
	}

	// 3. 在当前 goroutine 中消费实时事件
	i.watchLoop(eventCh, stopCh)
	klog.Infof("Shutting down informer...")
}

// watchLoop 消费来自 Registry 的实时事件
func (i *informer) watchLoop(eventCh <-chan registry.Event, stopCh <-chan struct{}) {
	for {
		select {
		case event, ok := <-eventCh:
			if !ok { // channel closed
				klog.Warningf("Registry event channel closed, watchLoop is stopping.")
				<-stopCh
				return
			}
			i.processEvent(event)
		case <-stopCh:
			return
		}
	}
}

// processEvent 处理单个实时事件
func (i *informer) processEvent(event registry.Event) {
	key := event.Key
	newRV := event.ResourceVersion

	i.mu.Lock()
	defer i.mu.Unlock()

	// 从缓存中加载旧版本
	oldRV, exists := i.versionCache.Load(key)

	// 如果事件类型是删除，我们直接处理并从缓存中移除
	if event.Type == registry.Deleted {
		if exists {
			i.versionCache.Delete(key)
			i.forget(key)
			i.distribute(event.Type, nil, event.Object)
		}
		return
	}

	// 对于 Add 和 Update，如果版本没有变化，则忽略
	if exists && oldRV.(string) == newRV {
		return
	}

	// 版本有变化或对象是全新的，更新缓存并通知 handler
	i.versionCache.Store(key, newRV)
	old := i.objects[key]
	i.store(event.Object)
	if old == nil {
		i.distribute(registry.Added, nil, event.Object)
	} else {
		i.distribute(registry.Modified, old, event.Object)
	}
}

// resync 是我们的“安全网”
func (i *informer) resync() {
	klog.V(4).Infof("Running informer resync...")

	// 1. 从 Registry 全量 List 所有实体
	all, _, err := i.registry.ListEntities(context.Background())
	if err != nil {
		klog.Errorf("Failed to list entities for resync: %v", err)
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	newVersionMap := make(map[string]string, len(all))

	// 2a. 找出 Added 和 Updated
	for _, obj := range all {
		key := obj.Metadata.UID
		newRV := obj.Metadata.ResourceVersion
		newVersionMap[key] = newRV

		oldRV, exists := i.versionCache.Load(key)
		if !exists {
			// 新增
			i.store(obj)
			i.distribute(registry.Added, nil, obj)
		} else if newRV != oldRV.(string) {
			// 更新
			old := i.objects[key]
			i.store(obj)
			i.distribute(registry.Modified, old, obj)
		}
	}

	// 2b. 找出 Deleted
	var deleted []string
	i.versionCache.Range(func(key interface{}, value interface{}) bool {
		if _, exists := newVersionMap[key.(string)]; !exists {
			deleted = append(deleted, key.(string))
		}
		return true
	})
	sort.Strings(deleted)
	for _, key := range deleted {
		last := i.objects[key]
		if last == nil {
			// 构造一个只包含 uid 的 "tombstone" 对象来传递删除信息
			last = &metav1.RawEntity{Metadata: metav1.ObjectMeta{UID: key}}
		}
		i.versionCache.Delete(key)
		i.forget(key)
		i.distribute(registry.Deleted, nil, last)
	}

	// 3. 用新的版本快照更新 versionCache
	for key, rv := range newVersionMap {
		i.versionCache.Store(key, rv)
	}
	i.synced = true

	klog.V(4).Infof("Informer resync complete.")
}

// store 记录原始实体并把水合结果放入列表，需要持有 i.mu。
func (i *informer) store(obj *metav1.RawEntity) {
	i.objects[obj.Metadata.UID] = obj
	entity, err := i.categories.GetEntityForData(obj)
	if err != nil {
		// 分类稍后注册时会在 rehydrate 中重新尝试
		klog.V(2).InfoS("Persisted entity cannot be hydrated yet", "uid", obj.Metadata.UID, "kind", obj.Kind, "err", err)
		i.list.Remove(obj.Metadata.UID)
		return
	}
	i.list.Upsert(entity)
}

func (i *informer) forget(key string) {
	delete(i.objects, key)
	i.list.Remove(key)
}

// rehydrate 在分类变化后重新水合所有已知实体。
func (i *informer) rehydrate() {
	i.mu.Lock()
	defer i.mu.Unlock()

	keys := make([]string, 0, len(i.objects))
	for key := range i.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]catalog.Entity, 0, len(keys))
	for _, key := range keys {
		entity, err := i.categories.GetEntityForData(i.objects[key])
		if err != nil {
			continue
		}
		items = append(items, entity)
	}
	i.list.Set(items)
}
