package catalog_test

import (
	"errors"
	"testing"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterRaw(uid, apiVersion string) *metav1.RawEntity {
	return (&metav1.RawEntity{
		TypeMeta: metav1.TypeMeta{Kind: catalogv1.KubernetesClusterKind, APIVersion: apiVersion},
		Metadata: metav1.ObjectMeta{UID: uid, Name: uid, Labels: map[string]string{"env": "dev"}},
		Status:   metav1.EntityStatus{Phase: catalogv1.ClusterPhaseDisconnected, Enabled: metav1.Bool(true)},
		Spec: map[string]interface{}{
			"kubeconfigPath":       "/home/me/.kube/config",
			"kubeconfigContext":    "minikube",
			"accessibleNamespaces": []interface{}{"default"},
		},
	}).Normalize()
}

func clusterCategory() *catalog.Category {
	return catalogv1.Categories()[0]
}

func TestCategoryRegistryAddAndDispose(t *testing.T) {
	reg := catalog.NewCategoryRegistry()

	notified := 0
	reg.Subscribe(func() { notified++ })

	dispose, err := reg.Add(clusterCategory())
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	c := reg.GetForGroupKind(catalogv1.GroupName, catalogv1.KubernetesClusterKind)
	require.NotNil(t, c)
	assert.Equal(t, []string{"entity.k8slens.dev/v1alpha1"}, c.APIVersions())

	dispose()
	assert.Nil(t, reg.GetForGroupKind(catalogv1.GroupName, catalogv1.KubernetesClusterKind))
	assert.Equal(t, 2, notified)

	// 重复调用注销函数没有效果
	dispose()
	assert.Equal(t, 2, notified)
}

func TestCategoryRegistryDuplicateOverwrites(t *testing.T) {
	reg := catalog.NewCategoryRegistry()

	first := clusterCategory()
	second := clusterCategory()
	second.Metadata.Name = "Clusters (plugin)"

	disposeFirst, err := reg.Add(first)
	require.NoError(t, err)
	_, err = reg.Add(second)
	require.NoError(t, err)

	got := reg.GetForGroupKind(catalogv1.GroupName, catalogv1.KubernetesClusterKind)
	require.NotNil(t, got)
	assert.Equal(t, "Clusters (plugin)", got.Metadata.Name)

	// 被覆盖的注册不能移除新的注册
	disposeFirst()
	assert.Same(t, second, reg.GetForGroupKind(catalogv1.GroupName, catalogv1.KubernetesClusterKind))
}

func TestCategoryRegistryRejectsIncompleteCategory(t *testing.T) {
	reg := catalog.NewCategoryRegistry()

	_, err := reg.Add(&catalog.Category{Spec: catalog.CategorySpec{Group: "g"}})
	assert.Error(t, err)

	_, err = reg.Add(&catalog.Category{Spec: catalog.CategorySpec{
		Group: "g", Names: catalog.CategoryNames{Kind: "K"},
	}})
	assert.Error(t, err)
}

func TestGetCategoryForEntity(t *testing.T) {
	reg := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(reg)
	require.NoError(t, err)

	tests := []struct {
		name     string
		typeMeta metav1.TypeMeta
		found    bool
	}{
		{"versioned", metav1.TypeMeta{Kind: "WebLink", APIVersion: "entity.k8slens.dev/v1alpha1"}, true},
		{"unknown version still resolves category", metav1.TypeMeta{Kind: "WebLink", APIVersion: "entity.k8slens.dev/v9"}, true},
		{"no slash is the whole group", metav1.TypeMeta{Kind: "WebLink", APIVersion: "entity.k8slens.dev"}, true},
		{"unknown kind", metav1.TypeMeta{Kind: "Pod", APIVersion: "entity.k8slens.dev/v1alpha1"}, false},
		{"unknown group", metav1.TypeMeta{Kind: "WebLink", APIVersion: "example.com/v1alpha1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.found, reg.GetCategoryForEntity(tt.typeMeta) != nil)
		})
	}
}

func TestGetEntityForData(t *testing.T) {
	reg := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(reg)
	require.NoError(t, err)

	entity, err := reg.GetEntityForData(clusterRaw("c1", "entity.k8slens.dev/v1alpha1"))
	require.NoError(t, err)

	cluster, ok := entity.(*catalogv1.KubernetesCluster)
	require.True(t, ok, "got %T", entity)
	assert.Equal(t, "c1", cluster.Metadata.UID)
	assert.Equal(t, "minikube", cluster.Spec.KubeconfigContext)
	assert.Equal(t, []string{"default"}, cluster.Spec.AccessibleNamespaces)
	assert.True(t, metav1.IsTrue(cluster.Status.Enabled))

	_, err = reg.GetEntityForData(clusterRaw("c2", "entity.k8slens.dev/v2"))
	assert.True(t, errors.Is(err, catalog.ErrNoVersion), "got %v", err)

	_, err = reg.GetEntityForData(clusterRaw("c3", "example.com/v1alpha1"))
	assert.True(t, errors.Is(err, catalog.ErrNoCategory), "got %v", err)
}

func TestEntityRawRoundTrip(t *testing.T) {
	reg := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(reg)
	require.NoError(t, err)

	in := clusterRaw("c1", "entity.k8slens.dev/v1alpha1")
	entity, err := reg.GetEntityForData(in)
	require.NoError(t, err)

	out, err := entity.ToRaw()
	require.NoError(t, err)
	assert.Equal(t, in.TypeMeta, out.TypeMeta)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Spec, out.Spec)
}

func TestCategoryItemsSorted(t *testing.T) {
	reg := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(reg)
	require.NoError(t, err)

	var kinds []string
	for _, c := range reg.Items() {
		kinds = append(kinds, c.Spec.Names.Kind)
	}
	assert.Equal(t, []string{"General", "KubernetesCluster", "WebLink"}, kinds)
}
