// Package kubeconfig 把本地 kubeconfig 文件中的每个 context 作为一个 KubernetesCluster 实体提供。
package kubeconfig

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/source"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// SourceName 是由本包产生的实体的 metadata.source。
const SourceName = "kubeconfig"

const (
	labelFile    = "file"
	labelContext = "context"
)

var clustersResource = schema.GroupResource{Group: catalogv1.GroupName, Resource: "kubernetesclusters"}

// Source 持有从 kubeconfig 文件中读出的集群。
// 重新读取文件时，已由探测器写入的 status 会被保留。
type Source struct {
	paths []string
	list  *source.List

	mu       sync.Mutex
	clusters map[string]*catalogv1.KubernetesCluster
	statuses map[string]metav1.EntityStatus
}

var _ source.Source = &Source{}

// New 创建一个读取 paths 的 Source，调用 Refresh 之前它是空的。
func New(paths ...string) *Source {
	return &Source{
		paths:    paths,
		list:     source.NewList(),
		clusters: make(map[string]*catalogv1.KubernetesCluster),
		statuses: make(map[string]metav1.EntityStatus),
	}
}

func (s *Source) Items() []catalog.Entity {
	return s.list.Items()
}

func (s *Source) Subscribe(cb func()) func() {
	return s.list.Subscribe(cb)
}

// ClusterUID 根据文件路径和 context 名称得到一个稳定的 uid。
func ClusterUID(path, contextName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kubeconfig://"+path+"#"+contextName)).String()
}

// Refresh 重新读取所有 kubeconfig 文件。
// 单个文件读取失败不会影响其他文件，失败文件中的集群会从列表中移除。
func (s *Source) Refresh() error {
	var (
		found []*catalogv1.KubernetesCluster
		errs  []error
	)
	for _, path := range s.paths {
		clusters, err := loadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found = append(found, clusters...)
	}

	s.mu.Lock()
	next := make(map[string]*catalogv1.KubernetesCluster, len(found))
	items := make([]catalog.Entity, 0, len(found))
	for _, c := range found {
		if status, ok := s.statuses[c.Metadata.UID]; ok {
			c.Status = status
		}
		next[c.Metadata.UID] = c
		items = append(items, c)
	}
	for uid := range s.statuses {
		if _, ok := next[uid]; !ok {
			delete(s.statuses, uid)
		}
	}
	s.clusters = next
	s.mu.Unlock()

	s.list.Set(items)
	return utilerrors.NewAggregate(errs)
}

// Run 周期性地调用 Refresh，直到 stopCh 关闭。
func (s *Source) Run(period time.Duration, stopCh <-chan struct{}) {
	wait.Until(func() {
		if err := s.Refresh(); err != nil {
			klog.ErrorS(err, "Failed to refresh kubeconfig clusters")
		}
	}, period, stopCh)
}

// Keys 返回当前所有集群的 uid，按字典序排列。
func (s *Source) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.clusters))
	for uid := range s.clusters {
		keys = append(keys, uid)
	}
	sort.Strings(keys)
	return keys
}

// Get 返回 uid 对应集群的副本。
func (s *Source) Get(uid string) (*catalogv1.KubernetesCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clusters[uid]
	if !ok {
		return nil, errors.NewNotFound(clustersResource, uid)
	}
	out := *c
	c.Metadata.DeepCopyInto(&out.Metadata)
	c.Status.DeepCopyInto(&out.Status)
	out.Spec.AccessibleNamespaces = append([]string(nil), c.Spec.AccessibleNamespaces...)
	return &out, nil
}

// SetStatus 替换一个集群的 status。集群被替换为新的对象，已经交出去的实体不会被修改。
func (s *Source) SetStatus(uid string, status metav1.EntityStatus) error {
	s.mu.Lock()
	c, ok := s.clusters[uid]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFound(clustersResource, uid)
	}
	updated := *c
	status.DeepCopyInto(&updated.Status)
	s.clusters[uid] = &updated
	s.statuses[uid] = updated.Status
	s.mu.Unlock()

	s.list.Upsert(&updated)
	return nil
}

func loadFile(path string) ([]*catalogv1.KubernetesCluster, error) {
	config, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
	}

	names := make([]string, 0, len(config.Contexts))
	for name := range config.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)

	clusters := make([]*catalogv1.KubernetesCluster, 0, len(names))
	for _, name := range names {
		kctx := config.Contexts[name]
		if kctx == nil {
			continue
		}

		spec := catalogv1.KubernetesClusterSpec{
			KubeconfigPath:    path,
			KubeconfigContext: name,
		}
		if cluster, ok := config.Clusters[kctx.Cluster]; ok && cluster != nil {
			spec.Server = cluster.Server
		} else {
			klog.Warningf("Context %q in %s references unknown cluster %q", name, path, kctx.Cluster)
		}
		if kctx.Namespace != "" {
			spec.AccessibleNamespaces = []string{kctx.Namespace}
		}

		meta := metav1.ObjectMeta{
			UID:    ClusterUID(path, name),
			Name:   name,
			Source: SourceName,
			Labels: map[string]string{
				labelFile:    filepath.Base(path),
				labelContext: name,
			},
		}
		clusters = append(clusters, catalogv1.NewKubernetesCluster(meta, spec, metav1.EntityStatus{
			Phase: catalogv1.ClusterPhaseDisconnected,
		}))
	}
	return clusters, nil
}
