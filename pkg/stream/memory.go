package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ListenerSet 是按通道分组的监听器集合，零值可以直接使用。
type ListenerSet struct {
	mu        sync.RWMutex
	listeners map[string]map[int]Listener
	nextID    int
}

// Add 为 channel 添加一个监听器，返回的取消函数可以重复调用。
func (s *ListenerSet) Add(channel string, l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[string]map[int]Listener)
	}
	if s.listeners[channel] == nil {
		s.listeners[channel] = make(map[int]Listener)
	}
	id := s.nextID
	s.nextID++
	s.listeners[channel][id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[channel], id)
		if len(s.listeners[channel]) == 0 {
			delete(s.listeners, channel)
		}
	}
}

// Dispatch 按注册顺序同步调用 channel 上的监听器。
func (s *ListenerSet) Dispatch(channel string, payload json.RawMessage) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners[channel]))
	for id := range s.listeners[channel] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[channel][id])
	}
	s.mu.RUnlock()

	for _, l := range ls {
		l(payload)
	}
}

// MemoryBus 在一个进程内模拟 host 与多个展示进程之间的通信。
// 所有消息都会经过 JSON 序列化，监听器在发送方的 goroutine 中被同步调用。
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]InvokeHandler
	clients  map[*MemoryClient]struct{}

	hostListeners ListenerSet
}

var _ HostBus = &MemoryBus{}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string]InvokeHandler),
		clients:  make(map[*MemoryClient]struct{}),
	}
}

func (b *MemoryBus) Handle(channel string, handler InvokeHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[channel]; exists {
		return nil, fmt.Errorf("invoke handler for %q already registered", channel)
	}
	b.handlers[channel] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, channel)
	}, nil
}

func (b *MemoryBus) Broadcast(channel string, payload interface{}) error {
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast on %q: %w", channel, err)
	}

	b.mu.RLock()
	clients := make([]*MemoryClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.listeners.Dispatch(channel, data)
	}
	return nil
}

func (b *MemoryBus) On(channel string, listener Listener) func() {
	return b.hostListeners.Add(channel, listener)
}

// NewClient 连接一个新的展示进程。
func (b *MemoryBus) NewClient() *MemoryClient {
	c := &MemoryClient{bus: b, done: make(chan struct{})}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// MemoryClient 是 MemoryBus 上的一个展示进程端点。
type MemoryClient struct {
	bus       *MemoryBus
	listeners ListenerSet

	closeOnce sync.Once
	done      chan struct{}
}

var _ ClientBus = &MemoryClient{}

func (c *MemoryClient) Invoke(ctx context.Context, channel string, payload interface{}) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}

	c.bus.mu.RLock()
	handler, ok := c.bus.handlers[channel]
	c.bus.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no invoke handler registered for %q", channel)
	}

	result, err := handler(WithPeer(ctx, memoryPeer{c}), data)
	if err != nil {
		return nil, err
	}
	return encode(result)
}

func (c *MemoryClient) Send(channel string, payload interface{}) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := encode(payload)
	if err != nil {
		return err
	}
	c.bus.hostListeners.Dispatch(channel, data)
	return nil
}

func (c *MemoryClient) On(channel string, listener Listener) func() {
	return c.listeners.Add(channel, listener)
}

func (c *MemoryClient) Done() <-chan struct{} {
	return c.done
}

// Close 断开这个展示进程。
func (c *MemoryClient) Close() {
	c.closeOnce.Do(func() {
		c.bus.mu.Lock()
		delete(c.bus.clients, c)
		c.bus.mu.Unlock()
		close(c.done)
	})
}

// memoryPeer 只向一个 MemoryClient 投递消息。
type memoryPeer struct {
	c *MemoryClient
}

func (p memoryPeer) Deliver(channel string, payload interface{}) error {
	if p.c.isClosed() {
		return ErrClosed
	}
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message on %q: %w", channel, err)
	}
	p.c.listeners.Dispatch(channel, data)
	return nil
}

func (p memoryPeer) Done() <-chan struct{} {
	return p.c.done
}

func (c *MemoryClient) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
