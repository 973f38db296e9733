package util

import (
	"context"
	"time"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/fx147/entity-catalog/pkg/stream"
)

// settlingStream 在转发事件的同时记录最后一次收到事件的时间。
type settlingStream struct {
	inner  consumer.StreamAdapter
	events chan struct{}
}

func (s *settlingStream) Connect(ctx context.Context, onEvent func(metav1.ChangeEvent)) (*stream.Subscription, error) {
	return s.inner.Connect(ctx, func(event metav1.ChangeEvent) {
		onEvent(event)
		select {
		case s.events <- struct{}{}:
		default:
		}
	})
}

// StartAndSettle 启动 r 并等待初始快照到达：连续 quiet 时间内没有新事件，
// 或者 ctx 结束时返回。
func StartAndSettle(ctx context.Context, r *consumer.Registry, adapter consumer.StreamAdapter, quiet time.Duration) (*stream.Subscription, error) {
	s := &settlingStream{inner: adapter, events: make(chan struct{}, 1)}
	sub, err := r.Start(ctx, s)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-s.events:
			timer.Reset(quiet)
		case <-timer.C:
			return sub, nil
		case <-sub.Done():
			return sub, nil
		case <-ctx.Done():
			return sub, nil
		}
	}
}
