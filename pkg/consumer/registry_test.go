package consumer_test

import (
	"testing"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const widgetAPIVersion = "example.dev/v1"

func newCategories(t *testing.T) *catalog.CategoryRegistry {
	t.Helper()
	categories := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(categories)
	require.NoError(t, err)
	return categories
}

// widgetCategory 是一个由插件在稍后注册的分类
func widgetCategory() *catalog.Category {
	return &catalog.Category{
		Metadata: catalog.CategoryMetadata{Name: "Widgets"},
		Spec: catalog.CategorySpec{
			Group: "example.dev",
			Names: catalog.CategoryNames{Kind: "Widget"},
			Versions: []catalog.CategoryVersion{{
				Name: "v1",
				New: func(raw *metav1.RawEntity) (catalog.Entity, error) {
					g := &catalogv1.GeneralEntity{}
					if err := catalog.FromRaw(raw, g); err != nil {
						return nil, err
					}
					return g, nil
				},
			}},
		},
	}
}

func rawEntity(uid, apiVersion, kind string, enabled *bool) *metav1.RawEntity {
	return (&metav1.RawEntity{
		TypeMeta: metav1.TypeMeta{Kind: kind, APIVersion: apiVersion},
		Metadata: metav1.ObjectMeta{UID: uid, Name: uid},
		Status:   metav1.EntityStatus{Phase: "disconnected", Enabled: enabled},
		Spec:     map[string]interface{}{"path": "/" + uid},
	}).Normalize()
}

func clusterRaw(uid string, enabled *bool) *metav1.RawEntity {
	raw := rawEntity(uid, catalogv1.SchemeGroupVersion.String(), catalogv1.KubernetesClusterKind, enabled)
	raw.Spec = map[string]interface{}{"kubeconfigPath": "/" + uid, "kubeconfigContext": uid}
	return raw
}

func uids(items []catalog.Entity) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.GetMetadata().UID)
	}
	return out
}

func TestForwardReference(t *testing.T) {
	categories := newCategories(t)
	r := consumer.NewRegistry(categories, consumer.Options{})

	r.OnAdd(rawEntity("w1", widgetAPIVersion, "Widget", nil))
	assert.Empty(t, r.Entities())
	assert.Equal(t, 1, r.PendingCount())
	_, ok := r.GetByID("w1")
	assert.False(t, ok)

	_, err := categories.Add(widgetCategory())
	require.NoError(t, err)

	items := r.Entities()
	require.Len(t, items, 1)
	assert.Equal(t, "w1", items[0].GetMetadata().UID)
	assert.Equal(t, "Widget", items[0].GetTypeMeta().Kind)
	assert.Equal(t, 0, r.PendingCount())
}

func TestUnknownVersionStaysPending(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})

	r.OnAdd(rawEntity("c1", catalogv1.GroupName+"/v9", catalogv1.KubernetesClusterKind, nil))
	assert.Empty(t, r.Entities())
	assert.Equal(t, 1, r.PendingCount())
}

func TestHydrationIsIdempotent(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})

	raw := clusterRaw("c1", nil)
	r.OnAdd(raw)
	first, ok := r.GetByID("c1")
	require.True(t, ok)

	r.OnAdd(raw)
	second, ok := r.GetByID("c1")
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Len(t, r.Entities(), 1)

	// 调用方修改传入的对象不会影响目录
	raw.Metadata.Name = "changed"
	e, _ := r.GetByID("c1")
	assert.Equal(t, "c1", e.GetMetadata().Name)
}

func TestUpdateReplacesEntity(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})
	r.OnAdd(clusterRaw("c1", nil))
	before, _ := r.GetByID("c1")

	r.OnUpdate("c1", &metav1.EntityPatch{Status: []byte(`{"phase":"connected"}`)})

	after, ok := r.GetByID("c1")
	require.True(t, ok)
	assert.Equal(t, "connected", after.GetStatus().Phase)
	assert.Equal(t, "/c1", after.(*catalogv1.KubernetesCluster).Spec.KubeconfigPath, "spec untouched")

	// 已经交出去的实体保持不变
	assert.Equal(t, "disconnected", before.GetStatus().Phase)
}

func TestUpdateCannotChangeIdentity(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})
	r.OnAdd(clusterRaw("c1", nil))

	r.OnUpdate("c1", &metav1.EntityPatch{Metadata: []byte(`{"uid":"other","name":"renamed"}`)})

	e, ok := r.GetByID("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", e.GetMetadata().UID)
	assert.Equal(t, "renamed", e.GetMetadata().Name)
	_, ok = r.GetByID("other")
	assert.False(t, ok)
}

func TestUpdatePendingEntity(t *testing.T) {
	categories := newCategories(t)
	r := consumer.NewRegistry(categories, consumer.Options{})

	r.OnAdd(rawEntity("w1", widgetAPIVersion, "Widget", nil))
	r.OnUpdate("w1", &metav1.EntityPatch{Status: []byte(`{"phase":"ready"}`)})
	assert.Equal(t, 1, r.PendingCount())

	_, err := categories.Add(widgetCategory())
	require.NoError(t, err)

	e, ok := r.GetByID("w1")
	require.True(t, ok)
	assert.Equal(t, "ready", e.GetStatus().Phase)
}

func TestDeleteIsFinal(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})

	r.OnAdd(clusterRaw("123", nil))
	r.OnDelete("123")
	r.OnUpdate("123", &metav1.EntityPatch{Status: []byte(`{"phase":"connected"}`)})

	_, ok := r.GetByID("123")
	assert.False(t, ok)
	assert.Empty(t, r.Entities())
	assert.Equal(t, 0, r.PendingCount())

	// pending 中的记录同样会被删除
	r.OnAdd(rawEntity("w1", widgetAPIVersion, "Widget", nil))
	r.OnDelete("w1")
	assert.Equal(t, 0, r.PendingCount())
}

func TestApplyDispatchesByType(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})

	r.Apply(metav1.NewAddEvent(clusterRaw("c1", nil)))
	r.Apply(metav1.NewUpdateEvent("c1", &metav1.EntityPatch{Status: []byte(`{"phase":"connected"}`)}))
	e, ok := r.GetByID("c1")
	require.True(t, ok)
	assert.Equal(t, "connected", e.GetStatus().Phase)

	r.Apply(metav1.ChangeEvent{Type: "bogus", UID: "c1"})
	_, ok = r.GetByID("c1")
	assert.True(t, ok)

	r.Apply(metav1.NewDeleteEvent("c1"))
	_, ok = r.GetByID("c1")
	assert.False(t, ok)
}

func TestFilterComposition(t *testing.T) {
	r := consumer.NewRegistry(newCategories(t), consumer.Options{})

	r.OnAdd(clusterRaw("c1", metav1.Bool(true)))
	r.OnAdd(clusterRaw("c2", metav1.Bool(false)))
	r.OnAdd(rawEntity("w1", catalogv1.SchemeGroupVersion.String(), catalogv1.WebLinkKind, metav1.Bool(true)))

	r.AddFilter(func(e catalog.Entity) bool {
		return e.GetTypeMeta().Kind == catalogv1.KubernetesClusterKind
	})
	removeEnabled := r.AddFilter(func(e catalog.Entity) bool {
		return metav1.IsTrue(e.GetStatus().Enabled)
	})

	assert.Equal(t, []string{"c1"}, uids(r.FilteredEntities()))
	assert.Equal(t, []string{"c1", "c2", "w1"}, uids(r.Entities()))

	removeEnabled()
	assert.Equal(t, []string{"c1", "c2"}, uids(r.FilteredEntities()))

	// 重复移除没有效果
	removeEnabled()
	assert.Equal(t, []string{"c1", "c2"}, uids(r.FilteredEntities()))
}

func TestItemsForAPIKindAndCategory(t *testing.T) {
	categories := newCategories(t)
	r := consumer.NewRegistry(categories, consumer.Options{})

	r.OnAdd(clusterRaw("c1", metav1.Bool(true)))
	r.OnAdd(clusterRaw("c2", nil))
	r.OnAdd(rawEntity("w1", catalogv1.SchemeGroupVersion.String(), catalogv1.WebLinkKind, nil))

	apiVersion := catalogv1.SchemeGroupVersion.String()
	assert.Equal(t, []string{"c1", "c2"}, uids(r.ItemsForAPIKind(apiVersion, catalogv1.KubernetesClusterKind)))
	assert.Empty(t, r.ItemsForAPIKind("other/v1", catalogv1.KubernetesClusterKind))

	r.AddFilter(func(e catalog.Entity) bool { return metav1.IsTrue(e.GetStatus().Enabled) })
	assert.Equal(t, []string{"c1"}, uids(r.FilteredItemsForAPIKind(apiVersion, catalogv1.KubernetesClusterKind)))

	webLinks := categories.GetForGroupKind(catalogv1.GroupName, catalogv1.WebLinkKind)
	require.NotNil(t, webLinks)
	assert.Equal(t, []string{"w1"}, uids(r.ItemsByCategory(webLinks)))
}

func TestActiveEntity(t *testing.T) {
	categories := newCategories(t)
	r := consumer.NewRegistry(categories, consumer.Options{})

	_, ok := r.ActiveEntity()
	assert.False(t, ok)

	// 指向一个尚未水合的实体
	r.OnAdd(rawEntity("w1", widgetAPIVersion, "Widget", nil))
	r.SetActiveEntity("w1")
	_, ok = r.ActiveEntity()
	assert.False(t, ok)

	_, err := categories.Add(widgetCategory())
	require.NoError(t, err)
	e, ok := r.ActiveEntity()
	require.True(t, ok)
	assert.Equal(t, "w1", e.GetMetadata().UID)

	r.SetActiveEntityFor(nil)
	_, ok = r.ActiveEntity()
	assert.False(t, ok)

	r.SetActiveEntityFor(e)
	_, ok = r.ActiveEntity()
	assert.True(t, ok)

	r.OnDelete("w1")
	_, ok = r.ActiveEntity()
	assert.False(t, ok)
}
