package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/fx147/entity-catalog/pkg/ipc"
	"github.com/fx147/entity-catalog/pkg/source/kubeconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: local
  cluster:
    server: https://127.0.0.1:1
contexts:
- name: local
  context:
    cluster: local
    user: local
users:
- name: local
  user:
    token: secret
current-context: local
`

func testOptions(t *testing.T, driver string) *Options {
	dir := t.TempDir()
	kubeconfigPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(kubeconfigPath, []byte(testKubeconfig), 0600))

	return &Options{
		Listen:        "127.0.0.1:0",
		StorageDriver: driver,
		StoragePath:   filepath.Join(dir, "data"),
		Kubeconfigs:   []string{kubeconfigPath, filepath.Join(dir, "missing")},
		ProbePeriod:   time.Hour,
		ProbeTimeout:  200 * time.Millisecond,
	}
}

func startHost(t *testing.T, opts *Options) (*Host, string) {
	t.Helper()
	h, err := New(opts)
	require.NoError(t, err)

	stopCh := make(chan struct{})
	h.Start(stopCh)

	ts := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		close(stopCh)
		h.Close()
		ts.Close()
	})
	return h, ts.URL
}

func TestOptionsValidate(t *testing.T) {
	opts := testOptions(t, StorageBolt)
	assert.NoError(t, opts.Validate())

	bad := *opts
	bad.StorageDriver = "sqlite"
	assert.Error(t, bad.Validate())

	bad = *opts
	bad.Listen = ""
	assert.Error(t, bad.Validate())

	bad = *opts
	bad.ProbeTimeout = 0
	assert.Error(t, bad.Validate())
}

func TestHostEndToEnd(t *testing.T) {
	for _, driver := range []string{StorageBolt, StorageFile} {
		t.Run(driver, func(t *testing.T) {
			opts := testOptions(t, driver)
			_, baseURL := startHost(t, opts)
			ctx := context.Background()

			client, err := ipc.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ipc", ipc.DialOptions{})
			require.NoError(t, err)
			defer client.Close()

			categories := catalog.NewCategoryRegistry()
			_, err = catalogv1.AddToCategories(categories)
			require.NoError(t, err)
			r := consumer.NewRegistry(categories, consumer.Options{})
			sub, err := r.Start(ctx, &consumer.CatalogStream{Bus: client})
			require.NoError(t, err)
			defer sub.Close()

			clusterUID := kubeconfig.ClusterUID(opts.Kubeconfigs[0], "local")
			require.Eventually(t, func() bool {
				_, okCluster := r.GetByID(clusterUID)
				_, okWelcome := r.GetByID("welcome-page-entity")
				return okCluster && okWelcome
			}, waitFor, tick)

			// 新增书签
			raw, err := client.Invoke(ctx, catalog.WebLinkAddChannel, catalog.WebLinkAddRequest{
				Name:   "docs",
				URL:    "http://127.0.0.1:1/docs",
				Labels: map[string]string{"team": "a"},
			})
			require.NoError(t, err)
			var created metav1.RawEntity
			require.NoError(t, json.Unmarshal(raw, &created))
			require.NotEmpty(t, created.Metadata.UID)
			assert.Equal(t, catalogv1.WebLinkKind, created.Kind)

			require.Eventually(t, func() bool {
				_, ok := r.GetByID(created.Metadata.UID)
				return ok
			}, waitFor, tick)
			e, _ := r.GetByID(created.Metadata.UID)
			assert.Equal(t, "http://127.0.0.1:1/docs", e.(*catalogv1.WebLink).Spec.URL)
			assert.Equal(t, "a", e.GetMetadata().Labels["team"])

			// 不可达的书签最终被标记为 unavailable
			require.Eventually(t, func() bool {
				e, ok := r.GetByID(created.Metadata.UID)
				return ok && e.GetStatus().Phase == catalogv1.WebLinkPhaseUnavailable
			}, waitFor, tick)

			_, err = client.Invoke(ctx, catalog.WebLinkAddChannel, catalog.WebLinkAddRequest{Name: "bad", URL: "not a url"})
			assert.Error(t, err)

			// 删除书签
			_, err = client.Invoke(ctx, catalog.EntityDeleteChannel, catalog.EntityDeleteRequest{UID: created.Metadata.UID})
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				_, ok := r.GetByID(created.Metadata.UID)
				return !ok
			}, waitFor, tick)

			// kubeconfig 中的集群不是持久化实体
			_, err = client.Invoke(ctx, catalog.EntityDeleteChannel, catalog.EntityDeleteRequest{UID: clusterUID})
			assert.Error(t, err)
		})
	}
}

func TestHostHTTPEndpoints(t *testing.T) {
	h, baseURL := startHost(t, testOptions(t, StorageFile))
	require.Eventually(t, h.Informer.HasSynced, waitFor, tick)

	resp, err := http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "entity_catalog_entities")
}
