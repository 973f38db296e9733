// file: internal/host/host.go

// Package host 组装 host 进程：持久化、实体来源、聚合、差异发送以及 websocket 端点。
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fx147/entity-catalog/pkg/aggregator"
	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/controller"
	"github.com/fx147/entity-catalog/pkg/emitter"
	"github.com/fx147/entity-catalog/pkg/informer"
	"github.com/fx147/entity-catalog/pkg/ipc"
	"github.com/fx147/entity-catalog/pkg/metrics"
	"github.com/fx147/entity-catalog/pkg/registry"
	"github.com/fx147/entity-catalog/pkg/source/kubeconfig"
	"github.com/fx147/entity-catalog/pkg/stream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

const (
	boltFileName = "catalog.db"
	// 每个状态控制器的 worker 数量
	statusWorkers = 2
	shutdownWait  = 5 * time.Second
)

// Host 持有 host 进程中的所有组件。
type Host struct {
	opts *Options

	Registry   *registry.Registry
	Categories *catalog.CategoryRegistry
	Informer   informer.Informer
	Kubeconfig *kubeconfig.Source
	Aggregator *aggregator.Aggregator
	Emitter    *emitter.Emitter
	IPC        *ipc.Server

	stream            *stream.Server[metav1.ChangeEvent]
	clusterController *controller.StatusController
	webLinkController *controller.StatusController
	engine            *gin.Engine

	cleanups []func()
}

// New 根据 opts 创建所有组件，但不启动任何后台循环。
func New(opts *Options) (*Host, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	store, err := newStore(opts)
	if err != nil {
		return nil, err
	}

	h := &Host{
		opts:       opts,
		Registry:   registry.NewRegistry(store),
		Categories: catalog.NewCategoryRegistry(),
		IPC:        ipc.NewServer(),
	}
	h.cleanups = append(h.cleanups, func() {
		if err := h.Registry.Close(); err != nil {
			klog.ErrorS(err, "Failed to close registry")
		}
	})

	if _, err := catalogv1.AddToCategories(h.Categories); err != nil {
		h.close()
		return nil, fmt.Errorf("failed to register built-in categories: %w", err)
	}

	// --- 实体来源 ---
	h.Informer = informer.NewInformer(h.Registry, h.Categories, opts.ResyncPeriod)
	h.Kubeconfig = kubeconfig.New(existingFiles(opts.Kubeconfigs)...)
	if err := h.Kubeconfig.Refresh(); err != nil {
		klog.Warningf("Some kubeconfig files could not be loaded: %v", err)
	}

	// --- 聚合与差异发送 ---
	// 来源的注册顺序决定了 uid 冲突时保留哪一个
	h.Aggregator = aggregator.New(h.Categories)
	h.Aggregator.AddSource(generalSource())
	h.Aggregator.AddSource(h.Kubeconfig)
	h.Aggregator.AddSource(h.Informer)
	h.cleanups = append(h.cleanups, h.Aggregator.Stop)

	h.Emitter = emitter.New()
	if err := h.Emitter.Watch(h.Aggregator); err != nil {
		h.close()
		return nil, err
	}
	h.cleanups = append(h.cleanups, h.Emitter.Stop)

	// --- 传输 ---
	h.stream, err = stream.Serve(h.IPC, catalog.StreamName, h.Emitter.ProducerFactory())
	if err != nil {
		h.close()
		return nil, err
	}
	h.cleanups = append(h.cleanups, h.stream.Close)

	if err := h.registerHandlers(); err != nil {
		h.close()
		return nil, err
	}

	// --- 状态控制器 ---
	prober := &controller.TCPProber{}
	h.clusterController = controller.NewStatusController("clusters",
		&controller.ClusterTarget{Source: h.Kubeconfig}, prober, opts.ProbePeriod, opts.ProbeTimeout)
	h.webLinkController = controller.NewStatusController("weblinks",
		&controller.WebLinkTarget{Registry: h.Registry}, prober, opts.ProbePeriod, opts.ProbeTimeout)
	h.Informer.AddEventHandler(h.webLinkController.EventHandler())

	h.engine = h.newEngine()
	return h, nil
}

// Handler 返回 host 的 HTTP 入口：/ipc、/healthz 和 /metrics。
func (h *Host) Handler() http.Handler {
	return h.engine
}

// Start 启动所有后台循环，直到 stopCh 关闭。
func (h *Host) Start(stopCh <-chan struct{}) {
	go h.Informer.Run(stopCh)
	if h.opts.ResyncPeriod > 0 {
		go h.Kubeconfig.Run(h.opts.ResyncPeriod, stopCh)
	}
	go h.clusterController.Run(statusWorkers, stopCh)
	go h.webLinkController.Run(statusWorkers, stopCh)
}

// Run 启动后台循环并在 opts.Listen 上提供服务，ctx 结束后优雅退出。
func (h *Host) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()
	defer h.close()

	stopCh := make(chan struct{})
	defer close(stopCh)
	h.Start(stopCh)

	server := &http.Server{
		Addr:    h.opts.Listen,
		Handler: h.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Catalog host listening", "address", h.opts.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve on %s: %w", h.opts.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	klog.Info("Shutting down catalog host")
	// 先断开 websocket，否则 Shutdown 会一直等待被劫持的连接
	h.IPC.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Close 释放 New 创建的资源，用于没有调用 Run 的场景。
func (h *Host) Close() {
	h.IPC.Close()
	h.close()
}

func (h *Host) close() {
	for i := len(h.cleanups) - 1; i >= 0; i-- {
		h.cleanups[i]()
	}
	h.cleanups = nil
}

func (h *Host) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ipc", gin.WrapH(h.IPC))
	engine.GET("/healthz", func(c *gin.Context) {
		if !h.Informer.HasSynced() {
			c.String(http.StatusServiceUnavailable, "informer not synced")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return engine
}

func newStore(opts *Options) (registry.Store, error) {
	if err := os.MkdirAll(opts.StoragePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", opts.StoragePath, err)
	}

	switch opts.StorageDriver {
	case StorageBolt:
		return registry.NewBoltStore(filepath.Join(opts.StoragePath, boltFileName))
	case StorageFile:
		return registry.NewFileStore(opts.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.StorageDriver)
	}
}

// existingFiles 过滤掉空路径和不存在的文件，不存在的默认 kubeconfig 不是错误。
func existingFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			klog.V(2).InfoS("Skipping kubeconfig", "path", p, "err", err)
			continue
		}
		out = append(out, p)
	}
	return out
}
