package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fx147/entity-catalog/pkg/metrics"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// ConnectResponse 是 connect 调用的返回值，三个通道名对每个连接都是唯一的。
type ConnectResponse struct {
	Data  string `json:"data"`
	Close string `json:"close"`
	Ready string `json:"ready"`
}

// ConnectChannel 返回逻辑流 name 的 connect 请求通道名。
func ConnectChannel(name string) string {
	return name + ":connect"
}

// Sink 是 Producer 推送数据的出口。
type Sink[T any] interface {
	// Send 把一条数据广播到该连接的数据通道
	Send(item T) error
	// End 由 host 一侧结束连接，对端会收到 close
	End()
}

// Producer 是每个连接独立的数据源。
type Producer[T any] interface {
	// Start 在对端完成 ready 握手后被调用一次
	Start(sink Sink[T])
	// Stop 在连接关闭时被调用一次，释放资源
	Stop()
}

// ProducerFactory 为每个新连接创建一个 Producer。
type ProducerFactory[T any] func() Producer[T]

// Server 在 HostBus 上暴露一个逻辑流。
type Server[T any] struct {
	bus         HostBus
	name        string
	newProducer ProducerFactory[T]

	mu     sync.Mutex
	conns  map[string]*serverConn[T]
	closed bool

	unhandle func()
}

// Serve 为逻辑流 name 注册 connect 处理器。
func Serve[T any](bus HostBus, name string, newProducer ProducerFactory[T]) (*Server[T], error) {
	s := &Server[T]{
		bus:         bus,
		name:        name,
		newProducer: newProducer,
		conns:       make(map[string]*serverConn[T]),
	}

	unhandle, err := bus.Handle(ConnectChannel(name), s.handleConnect)
	if err != nil {
		return nil, fmt.Errorf("failed to serve stream %q: %w", name, err)
	}
	s.unhandle = unhandle
	return s, nil
}

// Connections 返回当前打开的连接数。
func (s *Server[T]) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close 注销 connect 处理器并由 host 一侧结束所有连接。
func (s *Server[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn[T], 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.unhandle()
	for _, c := range conns {
		c.End()
	}
}

func (s *Server[T]) handleConnect(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	id := uuid.NewString()
	names := ConnectResponse{
		Data:  fmt.Sprintf("%s:%s:data", s.name, id),
		Close: fmt.Sprintf("%s:%s:close", s.name, id),
		Ready: fmt.Sprintf("%s:%s:ready", s.name, id),
	}

	c := &serverConn[T]{
		server:   s,
		id:       id,
		names:    names,
		peer:     PeerFrom(ctx),
		producer: s.newProducer(),
		closed:   make(chan struct{}),
	}

	// 先挂好 ready 和 close 的监听器，再把通道名返回给对端
	c.offReady = s.bus.On(names.Ready, func(json.RawMessage) { c.ready() })
	c.offClose = s.bus.On(names.Close, func(json.RawMessage) { c.teardown(false) })

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	metrics.StreamConnections.WithLabelValues(s.name).Inc()

	if c.peer != nil {
		go func() {
			select {
			case <-c.peer.Done():
				klog.V(2).InfoS("Stream peer went away", "stream", s.name, "connection", id)
				c.teardown(false)
			case <-c.closed:
			}
		}()
	}

	klog.V(2).InfoS("Stream connection opened", "stream", s.name, "connection", id)
	return names, nil
}

type serverConn[T any] struct {
	server   *Server[T]
	id       string
	names    ConnectResponse
	// peer 为 nil 时连接的消息广播给所有展示进程
	peer     Peer
	producer Producer[T]

	readyOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	offReady func()
	offClose func()
}

var _ Sink[struct{}] = &serverConn[struct{}]{}

func (c *serverConn[T]) ready() {
	c.readyOnce.Do(func() {
		if c.isClosed() {
			return
		}
		klog.V(4).InfoS("Stream connection ready", "stream", c.server.name, "connection", c.id)
		c.producer.Start(c)
	})
}

func (c *serverConn[T]) Send(item T) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.deliver(c.names.Data, item)
}

// deliver 只把消息发给打开这个连接的展示进程。
func (c *serverConn[T]) deliver(channel string, payload interface{}) error {
	if c.peer != nil {
		return c.peer.Deliver(channel, payload)
	}
	return c.server.bus.Broadcast(channel, payload)
}

func (c *serverConn[T]) End() {
	c.teardown(true)
}

// teardown 释放连接。notifyPeer 为 true 时由 host 一侧主动关闭，需要通知对端。
func (c *serverConn[T]) teardown(notifyPeer bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.offReady()
		c.offClose()
		c.producer.Stop()

		if notifyPeer {
			if err := c.deliver(c.names.Close, nil); err != nil && !errors.Is(err, ErrClosed) {
				klog.ErrorS(err, "Failed to broadcast stream close", "stream", c.server.name, "connection", c.id)
			}
		}

		c.server.mu.Lock()
		delete(c.server.conns, c.id)
		c.server.mu.Unlock()
		metrics.StreamConnections.WithLabelValues(c.server.name).Dec()
		klog.V(2).InfoS("Stream connection closed", "stream", c.server.name, "connection", c.id, "byHost", notifyPeer)
	})
}

func (c *serverConn[T]) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
