package v1

import (
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName 是内置实体的 API Group
const GroupName = "entity.k8slens.dev"

// SchemeGroupVersion 是内置实体使用的 group version
var SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1alpha1"}

// Categories 返回内置分类的声明，每次调用都返回新的实例。
func Categories() []*catalog.Category {
	return []*catalog.Category{
		{
			Metadata: catalog.CategoryMetadata{Name: "Clusters", Icon: "kubernetes"},
			Spec: catalog.CategorySpec{
				Group:    GroupName,
				Names:    catalog.CategoryNames{Kind: KubernetesClusterKind},
				Versions: []catalog.CategoryVersion{{Name: SchemeGroupVersion.Version, New: newKubernetesCluster}},
			},
		},
		{
			Metadata: catalog.CategoryMetadata{Name: "Web Links", Icon: "link"},
			Spec: catalog.CategorySpec{
				Group:    GroupName,
				Names:    catalog.CategoryNames{Kind: WebLinkKind},
				Versions: []catalog.CategoryVersion{{Name: SchemeGroupVersion.Version, New: newWebLink}},
			},
		},
		{
			Metadata: catalog.CategoryMetadata{Name: "General", Icon: "settings"},
			Spec: catalog.CategorySpec{
				Group:    GroupName,
				Names:    catalog.CategoryNames{Kind: GeneralKind},
				Versions: []catalog.CategoryVersion{{Name: SchemeGroupVersion.Version, New: newGeneralEntity}},
			},
		},
	}
}

// AddToCategories 把内置分类注册到 reg 中，返回的函数会注销它们。
func AddToCategories(reg *catalog.CategoryRegistry) (func(), error) {
	var disposers []func()
	disposeAll := func() {
		for _, d := range disposers {
			d()
		}
	}

	for _, c := range Categories() {
		dispose, err := reg.Add(c)
		if err != nil {
			disposeAll()
			return nil, err
		}
		disposers = append(disposers, dispose)
	}
	return disposeAll, nil
}

func newKubernetesCluster(raw *metav1.RawEntity) (catalog.Entity, error) {
	c := &KubernetesCluster{}
	if err := catalog.FromRaw(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

func newWebLink(raw *metav1.RawEntity) (catalog.Entity, error) {
	w := &WebLink{}
	if err := catalog.FromRaw(raw, w); err != nil {
		return nil, err
	}
	return w, nil
}

func newGeneralEntity(raw *metav1.RawEntity) (catalog.Entity, error) {
	g := &GeneralEntity{}
	if err := catalog.FromRaw(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}
