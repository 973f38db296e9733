package aggregator

import (
	"testing"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCategories(t *testing.T) *catalog.CategoryRegistry {
	reg := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(reg)
	require.NoError(t, err)
	return reg
}

func link(uid, name string) catalog.Entity {
	return catalogv1.NewWebLink(metav1.ObjectMeta{UID: uid, Name: name}, "https://"+uid)
}

// unknownEntity 是一个没有注册分类的实体
type unknownEntity struct {
	*catalogv1.WebLink
}

func (u unknownEntity) GetTypeMeta() metav1.TypeMeta {
	return metav1.TypeMeta{Kind: "Unknown", APIVersion: "example.com/v1"}
}

func names(items []catalog.Entity) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.GetMetadata().Name)
	}
	return out
}

func TestAggregateFlattensAndDedups(t *testing.T) {
	agg := New(newCategories(t))
	defer agg.Stop()

	first := source.NewList(link("a", "a-from-first"), link("b", "b"))
	second := source.NewList(link("a", "a-from-second"), link("c", "c"))

	agg.AddSource(first)
	agg.AddSource(second)

	assert.Equal(t, []string{"a-from-first", "b", "c"}, names(agg.Items()))
}

func TestAggregateDropsEntitiesWithoutCategory(t *testing.T) {
	agg := New(newCategories(t))
	defer agg.Stop()

	unknown := unknownEntity{catalogv1.NewWebLink(metav1.ObjectMeta{UID: "u", Name: "unknown"}, "https://u")}
	agg.AddSource(source.NewList(link("a", "a"), unknown))

	assert.Equal(t, []string{"a"}, names(agg.Items()))
}

func TestAggregateRecomputesOnChanges(t *testing.T) {
	categories := catalog.NewCategoryRegistry()
	agg := New(categories)
	defer agg.Stop()

	var generations []uint64
	var sizes []int
	agg.Watch(func(generation uint64, items []catalog.Entity) {
		generations = append(generations, generation)
		sizes = append(sizes, len(items))
	})

	list := source.NewList(link("a", "a"))
	remove := agg.AddSource(list)
	// 还没有分类，实体被丢弃
	assert.Empty(t, agg.Items())

	dispose, err := catalogv1.AddToCategories(categories)
	require.NoError(t, err)
	assert.Len(t, agg.Items(), 1)

	list.Upsert(link("b", "b"))
	assert.Len(t, agg.Items(), 2)

	dispose()
	assert.Empty(t, agg.Items())

	remove()
	remove()

	// 第一次是 Watch 时的初始调用
	require.NotEmpty(t, generations)
	for i := 1; i < len(generations); i++ {
		assert.Greater(t, generations[i], generations[i-1])
	}
	assert.Equal(t, 0, sizes[0])
	assert.Equal(t, agg.Generation(), generations[len(generations)-1])
}

func TestStopUnsubscribesSources(t *testing.T) {
	agg := New(newCategories(t))
	list := source.NewList()
	agg.AddSource(list)
	agg.Stop()

	gen := agg.Generation()
	list.Upsert(link("a", "a"))
	assert.Equal(t, gen, agg.Generation())
}
