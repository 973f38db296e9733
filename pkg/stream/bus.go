package stream

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed 表示连接或总线已经关闭
var ErrClosed = errors.New("stream closed")

// InvokeHandler 处理一次 request/response 调用，返回值会被序列化为 JSON。
type InvokeHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Listener 接收发送到某个通道的一条消息。
type Listener func(payload json.RawMessage)

// HostBus 是 host 进程可以使用的平台原语：处理 invoke、广播、监听展示进程发来的消息。
type HostBus interface {
	// Handle 为 channel 注册 invoke 处理器，返回注销函数
	Handle(channel string, handler InvokeHandler) (func(), error)
	// Broadcast 把 payload 发送给所有展示进程中监听 channel 的监听器，不等待对端处理
	Broadcast(channel string, payload interface{}) error
	// On 监听展示进程发送到 channel 的消息，返回取消函数
	On(channel string, listener Listener) func()
}

// ClientBus 是展示进程可以使用的平台原语。
type ClientBus interface {
	// Invoke 发起一次 request/response 调用
	Invoke(ctx context.Context, channel string, payload interface{}) (json.RawMessage, error)
	// Send 向 host 的 channel 发送一条消息，不等待处理
	Send(channel string, payload interface{}) error
	// On 监听 host 广播到 channel 的消息，返回取消函数
	On(channel string, listener Listener) func()
	// Done 在总线断开后关闭
	Done() <-chan struct{}
}

// Peer 是发起 invoke 的展示进程，host 可以只向它投递消息。
type Peer interface {
	// Deliver 把 payload 发送给这个展示进程中监听 channel 的监听器，不等待对端处理
	Deliver(channel string, payload interface{}) error
	// Done 在展示进程断开后关闭
	Done() <-chan struct{}
}

type peerKey struct{}

// WithPeer 把发起调用的展示进程附加到 ctx 上，供 InvokeHandler 使用。
func WithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// PeerFrom 返回发起调用的展示进程，未知时返回 nil。
func PeerFrom(ctx context.Context) Peer {
	peer, _ := ctx.Value(peerKey{}).(Peer)
	return peer
}

// PeerDone 返回发起调用的展示进程断开时关闭的 channel，未知时返回 nil。
func PeerDone(ctx context.Context) <-chan struct{} {
	if peer := PeerFrom(ctx); peer != nil {
		return peer.Done()
	}
	return nil
}

func encode(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
