package v1

import (
	"context"
	"fmt"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
)

const (
	KubernetesClusterKind = "KubernetesCluster"
	WebLinkKind           = "WebLink"
	GeneralKind           = "General"
)

// 集群的连接阶段
const (
	ClusterPhaseConnected    = "connected"
	ClusterPhaseConnecting   = "connecting"
	ClusterPhaseDisconnected = "disconnected"
	ClusterPhaseDeleting     = "deleting"
)

// 书签的可用性阶段
const (
	WebLinkPhaseAvailable   = "available"
	WebLinkPhaseUnavailable = "unavailable"
)

// 编译时检查
var (
	_ catalog.Entity = &KubernetesCluster{}
	_ catalog.Entity = &WebLink{}
	_ catalog.Entity = &GeneralEntity{}
)

// KubernetesCluster 代表 kubeconfig 中的一个 context
type KubernetesCluster struct {
	metav1.TypeMeta `json:",inline"`

	Metadata metav1.ObjectMeta     `json:"metadata"`
	Status   metav1.EntityStatus   `json:"status"`
	Spec     KubernetesClusterSpec `json:"spec"`
}

// KubernetesClusterSpec 定义了如何连接到集群
type KubernetesClusterSpec struct {
	// kubeconfig 文件的路径
	// +required
	KubeconfigPath string `json:"kubeconfigPath"`

	// kubeconfig 中的 context 名称
	// +required
	KubeconfigContext string `json:"kubeconfigContext"`

	// API Server 地址，从 kubeconfig 的 cluster 中读取
	// +optional
	Server string `json:"server,omitempty"`

	// +optional
	AccessibleNamespaces []string `json:"accessibleNamespaces,omitempty"`
}

// NewKubernetesCluster 创建一个带有正确 TypeMeta 的集群实体。
func NewKubernetesCluster(meta metav1.ObjectMeta, spec KubernetesClusterSpec, status metav1.EntityStatus) *KubernetesCluster {
	return &KubernetesCluster{
		TypeMeta: metav1.TypeMeta{Kind: KubernetesClusterKind, APIVersion: SchemeGroupVersion.String()},
		Metadata: meta,
		Status:   status,
		Spec:     spec,
	}
}

func (c *KubernetesCluster) GetTypeMeta() metav1.TypeMeta      { return c.TypeMeta }
func (c *KubernetesCluster) GetMetadata() metav1.ObjectMeta    { return c.Metadata }
func (c *KubernetesCluster) GetStatus() metav1.EntityStatus    { return c.Status }
func (c *KubernetesCluster) ToRaw() (*metav1.RawEntity, error) { return catalog.ToRaw(c) }

// OnRun 导航到集群视图，并把集群设为当前激活的实体。
func (c *KubernetesCluster) OnRun(ctx context.Context, rc catalog.RunContext) error {
	if rc.Navigate == nil {
		return fmt.Errorf("no navigation available to open cluster %s", c.Metadata.Name)
	}
	rc.Navigate(fmt.Sprintf("/cluster/%s", c.Metadata.UID))
	if rc.SetActiveEntity != nil {
		rc.SetActiveEntity(c.Metadata.UID)
	}
	return nil
}

// WebLink 是一个用户保存的书签
type WebLink struct {
	metav1.TypeMeta `json:",inline"`

	Metadata metav1.ObjectMeta   `json:"metadata"`
	Status   metav1.EntityStatus `json:"status"`
	Spec     WebLinkSpec         `json:"spec"`
}

type WebLinkSpec struct {
	// +required
	URL string `json:"url"`
}

// NewWebLink 创建一个带有正确 TypeMeta 的书签实体。
func NewWebLink(meta metav1.ObjectMeta, url string) *WebLink {
	return &WebLink{
		TypeMeta: metav1.TypeMeta{Kind: WebLinkKind, APIVersion: SchemeGroupVersion.String()},
		Metadata: meta,
		Status:   metav1.EntityStatus{Phase: WebLinkPhaseAvailable},
		Spec:     WebLinkSpec{URL: url},
	}
}

func (w *WebLink) GetTypeMeta() metav1.TypeMeta      { return w.TypeMeta }
func (w *WebLink) GetMetadata() metav1.ObjectMeta    { return w.Metadata }
func (w *WebLink) GetStatus() metav1.EntityStatus    { return w.Status }
func (w *WebLink) ToRaw() (*metav1.RawEntity, error) { return catalog.ToRaw(w) }

// OnRun 打开书签的地址。
func (w *WebLink) OnRun(ctx context.Context, rc catalog.RunContext) error {
	if w.Spec.URL == "" {
		return fmt.Errorf("weblink %s has no url", w.Metadata.Name)
	}
	if rc.Navigate == nil {
		return fmt.Errorf("no navigation available to open %s", w.Spec.URL)
	}
	rc.Navigate(w.Spec.URL)
	return nil
}

// GeneralEntity 代表应用内部的一个页面入口，例如 "Welcome" 或 "Preferences"
type GeneralEntity struct {
	metav1.TypeMeta `json:",inline"`

	Metadata metav1.ObjectMeta   `json:"metadata"`
	Status   metav1.EntityStatus `json:"status"`
	Spec     GeneralEntitySpec   `json:"spec"`
}

type GeneralEntitySpec struct {
	// 运行时导航到的应用内路径
	// +required
	Path string `json:"path"`

	// +optional
	Icon string `json:"icon,omitempty"`
}

// NewGeneralEntity 创建一个带有正确 TypeMeta 的通用实体。
func NewGeneralEntity(meta metav1.ObjectMeta, path string) *GeneralEntity {
	return &GeneralEntity{
		TypeMeta: metav1.TypeMeta{Kind: GeneralKind, APIVersion: SchemeGroupVersion.String()},
		Metadata: meta,
		Status:   metav1.EntityStatus{Phase: "active"},
		Spec:     GeneralEntitySpec{Path: path},
	}
}

func (g *GeneralEntity) GetTypeMeta() metav1.TypeMeta      { return g.TypeMeta }
func (g *GeneralEntity) GetMetadata() metav1.ObjectMeta    { return g.Metadata }
func (g *GeneralEntity) GetStatus() metav1.EntityStatus    { return g.Status }
func (g *GeneralEntity) ToRaw() (*metav1.RawEntity, error) { return catalog.ToRaw(g) }

func (g *GeneralEntity) OnRun(ctx context.Context, rc catalog.RunContext) error {
	if rc.Navigate == nil {
		return fmt.Errorf("no navigation available to open %s", g.Spec.Path)
	}
	rc.Navigate(g.Spec.Path)
	return nil
}
