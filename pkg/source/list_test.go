package source_test

import (
	"testing"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/source"
	"github.com/stretchr/testify/assert"
)

func link(uid string) catalog.Entity {
	return catalogv1.NewWebLink(metav1.ObjectMeta{UID: uid, Name: uid, Labels: map[string]string{}}, "https://"+uid)
}

func uids(items []catalog.Entity) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.GetMetadata().UID)
	}
	return out
}

func TestListKeepsOrderAndDedups(t *testing.T) {
	l := source.NewList(link("a"), link("b"), link("a"))
	assert.Equal(t, []string{"a", "b"}, uids(l.Items()))

	replacement := catalogv1.NewWebLink(metav1.ObjectMeta{UID: "a", Name: "renamed"}, "https://a")
	l.Upsert(replacement)
	assert.Equal(t, []string{"a", "b"}, uids(l.Items()))
	assert.Equal(t, "renamed", l.Items()[0].GetMetadata().Name)
}

func TestListNotifiesOncePerBatch(t *testing.T) {
	l := source.NewList()
	notified := 0
	unsubscribe := l.Subscribe(func() { notified++ })

	l.Update(func(tx *source.ListTx) {
		tx.Upsert(link("a"))
		tx.Upsert(link("b"))
		tx.Upsert(link("c"))
	})
	assert.Equal(t, 1, notified)
	assert.Equal(t, 3, l.Len())

	// 没有修改时不通知
	l.Update(func(tx *source.ListTx) {
		_, ok := tx.Get("missing")
		assert.False(t, ok)
		tx.Remove("missing")
	})
	assert.Equal(t, 1, notified)

	assert.True(t, l.Remove("b"))
	assert.False(t, l.Remove("b"))
	assert.Equal(t, 2, notified)

	unsubscribe()
	l.Set(nil)
	assert.Equal(t, 2, notified)
	assert.Equal(t, 0, l.Len())
}

func TestListItemsIsACopy(t *testing.T) {
	l := source.NewList(link("a"))
	items := l.Items()
	items[0] = link("x")
	assert.Equal(t, []string{"a"}, uids(l.Items()))
}

func TestNotifierOrder(t *testing.T) {
	var n source.Notifier
	var calls []int
	n.Subscribe(func() { calls = append(calls, 1) })
	off := n.Subscribe(func() { calls = append(calls, 2) })
	n.Subscribe(func() { calls = append(calls, 3) })

	n.Notify()
	off()
	n.Notify()
	assert.Equal(t, []int{1, 2, 3, 1, 3}, calls)
}
