// file: pkg/controller/status_controller.go

package controller

import (
	"context"
	"fmt"
	"time"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

const (
	// maxRetries 是一个 key 在被放弃前的最大重试次数。
	maxRetries = 15
)

// Prober 探测一个地址是否可达。
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc 让普通函数满足 Prober。
type ProberFunc func(ctx context.Context, address string) error

func (f ProberFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}

// Target 是一类需要探测可达性的实体。
type Target interface {
	// Keys 返回当前所有需要探测的实体 uid
	Keys() []string
	// Address 返回 uid 的探测地址，实体不存在或不需要探测时返回 NotFound
	Address(uid string) (string, error)
	// Status 返回实体当前的 status
	Status(uid string) (metav1.EntityStatus, error)
	// Desired 根据探测结果计算新的 status
	Desired(current metav1.EntityStatus, probeErr error) metav1.EntityStatus
	// UpdateStatus 写回新的 status
	UpdateStatus(ctx context.Context, uid string, status metav1.EntityStatus) error
}

// StatusController 周期性地探测 Target 中的实体，并在可达性变化时更新它们的 status。
type StatusController struct {
	name         string
	target       Target
	prober       Prober
	probePeriod  time.Duration
	probeTimeout time.Duration

	// queue 是一个限速工作队列。
	queue workqueue.TypedRateLimitingInterface[string]
}

// NewStatusController 创建一个新的控制器实例。
func NewStatusController(name string, target Target, prober Prober, probePeriod, probeTimeout time.Duration) *StatusController {
	return &StatusController{
		name:         name,
		target:       target,
		prober:       prober,
		probePeriod:  probePeriod,
		probeTimeout: probeTimeout,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[string](),
			workqueue.TypedRateLimitingQueueConfig[string]{Name: name},
		),
	}
}

// EventHandler 返回一个把实体 uid 推入队列的事件处理器，可以注册到 Informer 上。
// 它不关心对象内容。
func (c *StatusController) EventHandler() cache.ResourceEventHandler {
	return cache.ResourceEventHandlerFuncs{
		AddFunc: c.enqueueObject,
		UpdateFunc: func(old, new interface{}) {
			c.enqueueObject(new)
		},
		DeleteFunc: func(obj interface{}) {
			if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			c.enqueueObject(obj)
		},
	}
}

// Enqueue 将一个实体的 uid 添加到工作队列中。
func (c *StatusController) Enqueue(uid string) {
	c.queue.Add(uid)
}

func (c *StatusController) enqueueObject(obj interface{}) {
	raw, ok := obj.(*metav1.RawEntity)
	if !ok || raw.Metadata.UID == "" {
		runtime.HandleError(fmt.Errorf("%s: unexpected object %T in event handler", c.name, obj))
		return
	}
	c.queue.Add(raw.Metadata.UID)
}

func (c *StatusController) enqueueAll() {
	for _, uid := range c.target.Keys() {
		c.queue.Add(uid)
	}
}

// Run 启动控制器的主工作循环。
func (c *StatusController) Run(workers int, stopCh <-chan struct{}) {
	defer runtime.HandleCrash()
	defer c.queue.ShutDown()

	klog.InfoS("Starting status controller", "controller", c.name)
	defer klog.InfoS("Shutting down status controller", "controller", c.name)

	klog.Info("Starting workers")
	for i := 0; i < workers; i++ {
		go wait.Until(c.runWorker, time.Second, stopCh)
	}

	// 周期性地把所有实体重新放入队列
	go wait.Until(c.enqueueAll, c.probePeriod, stopCh)

	<-stopCh
}

// runWorker 是一个持续运行的循环，负责从队列中消费任务并处理。
func (c *StatusController) runWorker() {
	for c.processNextWorkItem() {
	}
}

// processNextWorkItem 从队列中取出一个任务，并调用 reconcile 来处理它。
func (c *StatusController) processNextWorkItem() bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)

	err := c.reconcile(key)
	c.handleErr(err, key)

	return true
}

// handleErr 负责处理 reconcile 返回的错误，并决定是否重试。
func (c *StatusController) handleErr(err error, key string) {
	if err == nil {
		c.queue.Forget(key)
		return
	}

	if c.queue.NumRequeues(key) < maxRetries {
		klog.V(2).Infof("Error syncing %s %v: %v. Retrying.", c.name, key, err)
		c.queue.AddRateLimited(key)
		return
	}

	runtime.HandleError(err)
	klog.Warningf("Dropping %s %q out of the queue: %v", c.name, key, err)
	c.queue.Forget(key)
}

func (c *StatusController) reconcile(uid string) error {
	klog.V(4).InfoS("Reconciling entity status", "controller", c.name, "uid", uid)

	// --- 1. 获取探测地址 ---
	address, err := c.target.Address(uid)
	if errors.IsNotFound(err) {
		// 实体已被删除或者不属于这个控制器，无需处理。
		return nil
	}

	// --- 2. 获取“现实” ---
	// 地址本身无效时直接当作不可达
	ctx := context.Background()
	probeErr := err
	if probeErr == nil {
		probeCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.probeTimeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, c.probeTimeout)
		}
		probeErr = c.prober.Probe(probeCtx, address)
		cancel()
	}

	// --- 3. 更新“状态” ---
	current, err := c.target.Status(uid)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	desired := c.target.Desired(current, probeErr)

	// 只有当 status 真的变了，才去写回
	if equality.Semantic.DeepEqual(current, desired) {
		return nil
	}

	klog.InfoS("Updating entity status", "controller", c.name, "uid", uid, "phase", desired.Phase)
	if err := c.target.UpdateStatus(ctx, uid, desired); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to update status of %s: %w", uid, err)
	}
	return nil
}
