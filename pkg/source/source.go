package source

import (
	"sort"
	"sync"

	"github.com/fx147/entity-catalog/pkg/catalog"
)

// Source 是一个可观察的实体列表。
// 列表发生变化后，Source 在不持有内部锁的情况下调用所有订阅回调。
type Source interface {
	// Items 返回当前列表的快照
	Items() []catalog.Entity
	// Subscribe 注册变更回调，返回取消订阅的函数
	Subscribe(cb func()) func()
}

// Notifier 维护订阅回调，可以被嵌入到其他 Source 实现中。
type Notifier struct {
	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
}

// Subscribe 注册一个回调。
func (n *Notifier) Subscribe(cb func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = cb

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// Notify 依次调用所有回调，调用方不能持有会被回调重新获取的锁。
func (n *Notifier) Notify() {
	n.mu.Lock()
	ids := make([]int, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	// 按注册顺序回调
	sort.Ints(ids)
	listeners := make([]func(), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, n.listeners[id])
	}
	n.mu.Unlock()

	for _, cb := range listeners {
		cb()
	}
}
