package aggregator

import (
	"sort"
	"sync"

	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/source"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// WatchFunc 在每次重新计算后被调用，generation 严格递增。
type WatchFunc func(generation uint64, items []catalog.Entity)

type sourceEntry struct {
	id          int
	src         source.Source
	unsubscribe func()
}

// Aggregator 把多个独立变化的实体来源合并成一个去重的、经过分类校验的列表。
// 任何来源或分类的变化都会同步触发一次重新计算，重新计算之间严格串行。
type Aggregator struct {
	categories *catalog.CategoryRegistry

	// recomputeMu 保证重新计算以及对观察者的通知是串行且有序的
	recomputeMu sync.Mutex

	mu           sync.RWMutex
	sources      []sourceEntry
	nextSourceID int
	items        []catalog.Entity
	generation   uint64

	watchers    map[int]WatchFunc
	nextWatchID int

	stopCategories func()
}

// New 创建一个 Aggregator，并监听分类的注册与注销。
func New(categories *catalog.CategoryRegistry) *Aggregator {
	a := &Aggregator{
		categories: categories,
		watchers:   make(map[int]WatchFunc),
	}
	a.stopCategories = categories.Subscribe(a.recompute)
	return a
}

// AddSource 添加一个实体来源并立即重新计算，返回移除该来源的函数。
func (a *Aggregator) AddSource(src source.Source) func() {
	a.mu.Lock()
	id := a.nextSourceID
	a.nextSourceID++
	entry := sourceEntry{id: id, src: src}
	a.sources = append(a.sources, entry)
	a.mu.Unlock()

	unsubscribe := src.Subscribe(a.recompute)

	a.mu.Lock()
	for i := range a.sources {
		if a.sources[i].id == id {
			a.sources[i].unsubscribe = unsubscribe
		}
	}
	a.mu.Unlock()

	a.recompute()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			a.mu.Lock()
			for i := range a.sources {
				if a.sources[i].id == id {
					a.sources = append(a.sources[:i], a.sources[i+1:]...)
					break
				}
			}
			a.mu.Unlock()
			a.recompute()
		})
	}
}

// Items 返回最近一次计算的结果。
func (a *Aggregator) Items() []catalog.Entity {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]catalog.Entity, len(a.items))
	copy(out, a.items)
	return out
}

// Generation 返回最近一次计算的代数。
func (a *Aggregator) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Watch 注册一个观察者，并立即用当前结果调用一次。
func (a *Aggregator) Watch(fn WatchFunc) func() {
	a.recomputeMu.Lock()
	a.mu.Lock()
	id := a.nextWatchID
	a.nextWatchID++
	a.watchers[id] = fn
	gen, items := a.generation, append([]catalog.Entity(nil), a.items...)
	a.mu.Unlock()
	fn(gen, items)
	a.recomputeMu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.watchers, id)
	}
}

// Stop 停止监听所有来源和分类。
func (a *Aggregator) Stop() {
	a.stopCategories()

	a.mu.Lock()
	sources := a.sources
	a.sources = nil
	a.mu.Unlock()

	for _, s := range sources {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	}
}

func (a *Aggregator) recompute() {
	a.recomputeMu.Lock()
	defer a.recomputeMu.Unlock()

	a.mu.RLock()
	sources := make([]source.Source, 0, len(a.sources))
	for _, s := range a.sources {
		sources = append(sources, s.src)
	}
	a.mu.RUnlock()

	items := a.compute(sources)

	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.items = items
	ids := make([]int, 0, len(a.watchers))
	for id := range a.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	watchers := make([]WatchFunc, 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, a.watchers[id])
	}
	a.mu.Unlock()

	klog.V(4).InfoS("Recomputed entity aggregate", "generation", gen, "sources", len(sources), "items", len(items))

	for _, fn := range watchers {
		fn(gen, append([]catalog.Entity(nil), items...))
	}
}

// compute 展开所有来源，丢弃没有已知分类的实体，uid 重复时保留先注册的来源。
func (a *Aggregator) compute(sources []source.Source) []catalog.Entity {
	seen := sets.New[string]()
	var out []catalog.Entity

	for _, src := range sources {
		for _, e := range src.Items() {
			meta := e.GetMetadata()
			if seen.Has(meta.UID) {
				klog.Warningf("Entity %s (%s) is produced by more than one source, keeping the first", meta.UID, meta.Name)
				continue
			}
			if a.categories.GetCategoryForEntity(e.GetTypeMeta()) == nil {
				klog.V(4).InfoS("Dropping entity without category", "uid", meta.UID, "kind", e.GetTypeMeta().Kind, "apiVersion", e.GetTypeMeta().APIVersion)
				continue
			}
			seen.Insert(meta.UID)
			out = append(out, e)
		}
	}
	return out
}
