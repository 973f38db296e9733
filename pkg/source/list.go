package source

import (
	"sync"

	"github.com/fx147/entity-catalog/pkg/catalog"
)

var _ Source = &List{}

// List 是一个保持插入顺序、按 uid 去重的内存实体列表。
type List struct {
	Notifier

	mu    sync.RWMutex
	items []catalog.Entity
}

// NewList 创建一个包含 items 的列表。
func NewList(items ...catalog.Entity) *List {
	l := &List{}
	tx := &ListTx{list: l}
	for _, e := range items {
		tx.Upsert(e)
	}
	return l
}

// Items 返回当前列表的副本。
func (l *List) Items() []catalog.Entity {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]catalog.Entity, len(l.items))
	copy(out, l.items)
	return out
}

// Len 返回列表中实体的数量。
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Update 在一个批次中执行多次修改，结束后只通知一次。
// fn 没有做任何修改时不会通知。
func (l *List) Update(fn func(tx *ListTx)) {
	l.mu.Lock()
	tx := &ListTx{list: l}
	fn(tx)
	l.mu.Unlock()

	if tx.changed {
		l.Notify()
	}
}

// Upsert 插入实体，uid 已存在时原位替换。
func (l *List) Upsert(e catalog.Entity) {
	l.Update(func(tx *ListTx) { tx.Upsert(e) })
}

// Remove 删除 uid 对应的实体，返回是否存在。
func (l *List) Remove(uid string) bool {
	var removed bool
	l.Update(func(tx *ListTx) { removed = tx.Remove(uid) })
	return removed
}

// Set 用 items 替换整个列表。
func (l *List) Set(items []catalog.Entity) {
	l.Update(func(tx *ListTx) {
		tx.Clear()
		for _, e := range items {
			tx.Upsert(e)
		}
	})
}

// ListTx 是 Update 回调中使用的修改句柄，只在回调内有效。
type ListTx struct {
	list    *List
	changed bool
}

// Get 返回 uid 对应的实体。
func (tx *ListTx) Get(uid string) (catalog.Entity, bool) {
	if i := tx.indexOf(uid); i >= 0 {
		return tx.list.items[i], true
	}
	return nil, false
}

func (tx *ListTx) Upsert(e catalog.Entity) {
	tx.changed = true
	if i := tx.indexOf(e.GetMetadata().UID); i >= 0 {
		tx.list.items[i] = e
		return
	}
	tx.list.items = append(tx.list.items, e)
}

func (tx *ListTx) Remove(uid string) bool {
	i := tx.indexOf(uid)
	if i < 0 {
		return false
	}
	tx.changed = true
	tx.list.items = append(tx.list.items[:i], tx.list.items[i+1:]...)
	return true
}

func (tx *ListTx) Clear() {
	if len(tx.list.items) > 0 {
		tx.changed = true
	}
	tx.list.items = nil
}

func (tx *ListTx) indexOf(uid string) int {
	for i, e := range tx.list.items {
		if e.GetMetadata().UID == uid {
			return i
		}
	}
	return -1
}
