package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fx147/entity-catalog/pkg/catalog"
	"k8s.io/klog/v2"
)

// RunEvent 是传递给 before-run hook 的可取消事件。
type RunEvent struct {
	Entity catalog.Entity

	cancelled atomic.Bool
}

// Cancel 取消这次运行，后续的 hook 和实体自身的运行行为都不会执行。
func (e *RunEvent) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled 返回这次运行是否被取消。
func (e *RunEvent) Cancelled() bool {
	return e.cancelled.Load()
}

// BeforeRunHook 在实体运行之前被依次调用。返回的错误只会被记录，不会取消运行。
type BeforeRunHook func(ctx context.Context, event *RunEvent) error

// AddOnBeforeRunHook 注册一个 hook，返回的函数会移除它。
func (r *Registry) AddOnBeforeRunHook(hook BeforeRunHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextHookID
	r.nextHookID++
	r.hooks[id] = hook

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.hooks, id)
	}
}

// Run 依次执行 before-run hook，没有被取消时调用实体自身的运行行为。
// 所有错误和 panic 都只会被记录，返回值表示实体的运行行为是否被调用。
func (r *Registry) Run(ctx context.Context, entity catalog.Entity) bool {
	if entity == nil {
		return false
	}
	uid := entity.GetMetadata().UID

	for i, hook := range r.orderedHooks() {
		event := &RunEvent{Entity: entity}
		r.runHook(ctx, hook, event, i)
		if event.Cancelled() {
			klog.V(2).InfoS("Entity run cancelled by hook", "uid", uid, "hook", i)
			return false
		}
	}

	rc := catalog.RunContext{
		Navigate:        r.opts.Navigate,
		SetActiveEntity: r.SetActiveEntity,
	}
	if err := safeCall(func() error { return entity.OnRun(ctx, rc) }); err != nil {
		klog.ErrorS(err, "Entity run failed", "uid", uid, "kind", entity.GetTypeMeta().Kind)
	}
	return true
}

func (r *Registry) orderedHooks() []BeforeRunHook {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	hooks := make([]BeforeRunHook, 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, r.hooks[id])
	}
	return hooks
}

// runHook 执行一个 hook。设置了 HookTimeout 时，超时的 hook 被视为没有取消运行，
// 它之后调用 Cancel 也不会再产生影响。
func (r *Registry) runHook(ctx context.Context, hook BeforeRunHook, event *RunEvent, index int) {
	uid := event.Entity.GetMetadata().UID

	if r.opts.HookTimeout <= 0 {
		if err := safeCall(func() error { return hook(ctx, event) }); err != nil {
			klog.ErrorS(err, "Before-run hook failed", "uid", uid, "hook", index)
		}
		return
	}

	hookCtx, cancel := context.WithTimeout(ctx, r.opts.HookTimeout)
	defer cancel()

	// hook 看到的是自己的事件副本，超时后的 Cancel 不会影响这次运行
	view := &RunEvent{Entity: event.Entity}
	done := make(chan error, 1)
	go func() {
		done <- safeCall(func() error { return hook(hookCtx, view) })
	}()

	timer := time.NewTimer(r.opts.HookTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			klog.ErrorS(err, "Before-run hook failed", "uid", uid, "hook", index)
		}
		if view.Cancelled() {
			event.Cancel()
		}
	case <-timer.C:
		klog.ErrorS(context.DeadlineExceeded, "Before-run hook timed out", "uid", uid, "hook", index, "timeout", r.opts.HookTimeout)
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
