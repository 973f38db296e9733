package consumer

import (
	"context"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/stream"
)

// StreamAdapter 把变更事件流接到 Registry 上。
type StreamAdapter interface {
	Connect(ctx context.Context, onEvent func(metav1.ChangeEvent)) (*stream.Subscription, error)
}

// CatalogStream 通过 stream 协议连接 host 的目录变更流。
type CatalogStream struct {
	Bus stream.ClientBus

	// OnClose 在连接结束时被调用
	OnClose func()
	// OnConnectionError 在 connect 调用失败时被调用
	OnConnectionError func(err error)
}

var _ StreamAdapter = &CatalogStream{}

func (s *CatalogStream) Connect(ctx context.Context, onEvent func(metav1.ChangeEvent)) (*stream.Subscription, error) {
	return stream.Connect(ctx, s.Bus, catalog.StreamName, stream.Handlers[metav1.ChangeEvent]{
		OnData:            onEvent,
		OnClose:           s.OnClose,
		OnConnectionError: s.OnConnectionError,
	})
}
