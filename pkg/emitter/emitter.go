package emitter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fx147/entity-catalog/pkg/aggregator"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/metrics"
	"k8s.io/klog/v2"
)

// Listener 接收 Emitter 产生的事件。它按事件顺序被串行调用，不能阻塞。
// 监听器内可以调用自己或其他监听器的取消函数，但不能调用 Observe 或 Subscribe。
type Listener func(event metav1.ChangeEvent)

type listenerEntry struct {
	fn      Listener
	stopped atomic.Bool
}

// Emitter 观察 Aggregator 的每一次重新计算，把新列表与上一次发送的快照比较，
// 产生最少的 add/update/delete 事件。一个 host 进程中只应存在一个 Emitter。
type Emitter struct {
	// mu 保护快照，并串行化事件的分发
	mu sync.Mutex

	// "uid -> 最近一次发送的 RawEntity"
	snapshots map[string]*metav1.RawEntity
	// 快照按聚合结果的顺序排列
	order []string

	lastGeneration uint64

	// listenerMu 只保护监听器表。取消订阅只需要这把锁，因此可以在分发过程中进行
	listenerMu     sync.Mutex
	listeners      map[int]*listenerEntry
	nextListenerID int

	stopWatch func()
}

// New 创建一个空的 Emitter。
func New() *Emitter {
	return &Emitter{
		snapshots: make(map[string]*metav1.RawEntity),
		listeners: make(map[int]*listenerEntry),
	}
}

// Watch 让 Emitter 成为 agg 的唯一观察者。重复调用会返回错误。
func (e *Emitter) Watch(agg *aggregator.Aggregator) error {
	e.mu.Lock()
	if e.stopWatch != nil {
		e.mu.Unlock()
		return fmt.Errorf("emitter is already watching an aggregator")
	}
	// 占位，防止并发的 Watch
	e.stopWatch = func() {}
	e.mu.Unlock()

	stop := agg.Watch(func(generation uint64, items []catalog.Entity) {
		e.Observe(generation, items)
	})

	e.mu.Lock()
	e.stopWatch = stop
	e.mu.Unlock()
	return nil
}

// Stop 停止观察 Aggregator。
func (e *Emitter) Stop() {
	e.mu.Lock()
	stop := e.stopWatch
	e.stopWatch = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Observe 处理一次重新计算的结果，并返回产生的事件。
// generation 不大于已经处理过的代数时，结果被视为过期并忽略。
func (e *Emitter) Observe(generation uint64, items []catalog.Entity) []metav1.ChangeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != 0 && generation <= e.lastGeneration {
		klog.V(4).InfoS("Ignoring stale recomputation", "generation", generation, "last", e.lastGeneration)
		return nil
	}
	e.lastGeneration = generation
	metrics.Recomputations.Inc()

	events := e.diff(items)
	for _, event := range events {
		metrics.ChangeEvents.WithLabelValues(string(event.Type)).Inc()
		e.dispatch(event)
	}
	metrics.Entities.Set(float64(len(e.snapshots)))
	return events
}

func (e *Emitter) diff(items []catalog.Entity) []metav1.ChangeEvent {
	var events []metav1.ChangeEvent

	present := make(map[string]struct{}, len(items))
	order := make([]string, 0, len(items))

	for _, item := range items {
		uid := item.GetMetadata().UID
		if _, dup := present[uid]; dup {
			continue
		}

		raw, err := item.ToRaw()
		if err != nil {
			// 无法序列化时保留旧快照，既不更新也不删除
			klog.ErrorS(err, "Failed to serialize entity, keeping previous snapshot", "uid", uid)
			if _, seen := e.snapshots[uid]; seen {
				present[uid] = struct{}{}
				order = append(order, uid)
			}
			continue
		}
		present[uid] = struct{}{}
		order = append(order, uid)

		old, seen := e.snapshots[uid]
		if !seen {
			e.snapshots[uid] = raw
			events = append(events, metav1.NewAddEvent(raw.DeepCopy()))
			continue
		}

		patch, err := metav1.CreateEntityPatch(old, raw)
		if err != nil {
			klog.ErrorS(err, "Failed to diff entity, keeping previous snapshot", "uid", uid)
			continue
		}
		if patch == nil {
			continue
		}
		e.snapshots[uid] = raw
		events = append(events, metav1.NewUpdateEvent(uid, patch))
	}

	for _, uid := range e.order {
		if _, ok := present[uid]; ok {
			continue
		}
		delete(e.snapshots, uid)
		events = append(events, metav1.NewDeleteEvent(uid))
	}

	e.order = order
	return events
}

// Initial 返回当前所有快照的副本，与之后的事件组合即可重建完整状态。
func (e *Emitter) Initial() []*metav1.RawEntity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialLocked()
}

func (e *Emitter) initialLocked() []*metav1.RawEntity {
	out := make([]*metav1.RawEntity, 0, len(e.order))
	for _, uid := range e.order {
		out = append(out, e.snapshots[uid].DeepCopy())
	}
	return out
}

// Subscribe 注册一个监听器。replay 为 true 时，先在同一把锁内把当前快照作为 add 事件回放，
// 保证回放与之后的实时事件之间没有遗漏也没有重复。
func (e *Emitter) Subscribe(fn Listener, replay bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := &listenerEntry{fn: fn}

	e.listenerMu.Lock()
	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[id] = entry
	e.listenerMu.Unlock()

	unsubscribe := func() {
		entry.stopped.Store(true)
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		delete(e.listeners, id)
	}

	if replay {
		for _, raw := range e.initialLocked() {
			if entry.stopped.Load() {
				break
			}
			fn(metav1.NewAddEvent(raw))
		}
	}
	return unsubscribe
}

// dispatch 在 e.mu 内调用，监听器在 listenerMu 之外执行。
func (e *Emitter) dispatch(event metav1.ChangeEvent) {
	e.listenerMu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	entries := make([]*listenerEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, e.listeners[id])
	}
	e.listenerMu.Unlock()

	for _, entry := range entries {
		if entry.stopped.Load() {
			continue
		}
		entry.fn(event)
	}
}
