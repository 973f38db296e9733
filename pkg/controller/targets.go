package controller

import (
	"context"
	"fmt"
	"net"
	"net/url"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/registry"
	"github.com/fx147/entity-catalog/pkg/source/kubeconfig"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// TCPProber 认为能建立 TCP 连接的地址是可达的。
type TCPProber struct {
	Dialer net.Dialer
}

func (p *TCPProber) Probe(ctx context.Context, address string) error {
	conn, err := p.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// hostPort 从 URL 中取出 host:port，没有端口时按 scheme 补全。
func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "http", "ws":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "443"), nil
	}
}

// ClusterTarget 探测 kubeconfig 中每个集群的 API Server。
type ClusterTarget struct {
	Source *kubeconfig.Source
}

var _ Target = &ClusterTarget{}

func (t *ClusterTarget) Keys() []string {
	return t.Source.Keys()
}

func (t *ClusterTarget) Address(uid string) (string, error) {
	c, err := t.Source.Get(uid)
	if err != nil {
		return "", err
	}
	if c.Spec.Server == "" {
		return "", fmt.Errorf("cluster %s has no server address", c.Metadata.Name)
	}
	return hostPort(c.Spec.Server)
}

func (t *ClusterTarget) Status(uid string) (metav1.EntityStatus, error) {
	c, err := t.Source.Get(uid)
	if err != nil {
		return metav1.EntityStatus{}, err
	}
	return c.Status, nil
}

func (t *ClusterTarget) Desired(current metav1.EntityStatus, probeErr error) metav1.EntityStatus {
	var out metav1.EntityStatus
	current.DeepCopyInto(&out)
	if probeErr != nil {
		out.Phase = catalogv1.ClusterPhaseDisconnected
		out.Reason = "Unreachable"
		out.Message = probeErr.Error()
		return out
	}
	out.Phase = catalogv1.ClusterPhaseConnected
	out.Reason = ""
	out.Message = ""
	return out
}

func (t *ClusterTarget) UpdateStatus(_ context.Context, uid string, status metav1.EntityStatus) error {
	return t.Source.SetStatus(uid, status)
}

var webLinksResource = schema.GroupResource{Group: catalogv1.GroupName, Resource: "weblinks"}

// WebLinkTarget 探测 registry 中保存的书签。
type WebLinkTarget struct {
	Registry registry.Interface
}

var _ Target = &WebLinkTarget{}

func (t *WebLinkTarget) Keys() []string {
	items, _, err := t.Registry.ListEntities(context.Background())
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.Kind == catalogv1.WebLinkKind {
			keys = append(keys, item.Metadata.UID)
		}
	}
	return keys
}

func (t *WebLinkTarget) get(uid string) (*metav1.RawEntity, error) {
	raw, err := t.Registry.GetEntity(context.Background(), uid)
	if err != nil {
		return nil, err
	}
	if raw.Kind != catalogv1.WebLinkKind {
		return nil, errors.NewNotFound(webLinksResource, uid)
	}
	return raw, nil
}

func (t *WebLinkTarget) Address(uid string) (string, error) {
	raw, err := t.get(uid)
	if err != nil {
		return "", err
	}
	rawURL, _ := raw.Spec["url"].(string)
	return hostPort(rawURL)
}

func (t *WebLinkTarget) Status(uid string) (metav1.EntityStatus, error) {
	raw, err := t.get(uid)
	if err != nil {
		return metav1.EntityStatus{}, err
	}
	return raw.Status, nil
}

func (t *WebLinkTarget) Desired(current metav1.EntityStatus, probeErr error) metav1.EntityStatus {
	var out metav1.EntityStatus
	current.DeepCopyInto(&out)
	if probeErr != nil {
		out.Phase = catalogv1.WebLinkPhaseUnavailable
		out.Message = probeErr.Error()
		return out
	}
	out.Phase = catalogv1.WebLinkPhaseAvailable
	out.Message = ""
	return out
}

func (t *WebLinkTarget) UpdateStatus(ctx context.Context, uid string, status metav1.EntityStatus) error {
	_, err := t.Registry.UpdateEntityStatus(ctx, uid, status)
	return err
}
