package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fx147/entity-catalog/pkg/metrics"
	"github.com/fx147/entity-catalog/pkg/stream"
	"github.com/gorilla/websocket"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

// 编译时检查
var (
	_ stream.HostBus = &Server{}
	_ stream.Peer    = &peer{}
)

// Server 是 host 进程一侧的 websocket 端点，每个展示进程对应一个 peer。
type Server struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]stream.InvokeHandler
	peers    map[*peer]struct{}
	closed   bool

	listeners stream.ListenerSet
}

// NewServer 创建一个 Server，只接受来自本机的 websocket 连接由调用方通过监听地址保证。
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		handlers: make(map[string]stream.InvokeHandler),
		peers:    make(map[*peer]struct{}),
	}
}

// Handle 注册一个 invoke 处理器。
func (s *Server) Handle(channel string, handler stream.InvokeHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[channel]; exists {
		return nil, fmt.Errorf("invoke handler for %q already registered", channel)
	}
	s.handlers[channel] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, channel)
	}, nil
}

// Broadcast 把消息放入每个 peer 的发送队列，不等待写出。
func (s *Server) Broadcast(channel string, payload interface{}) error {
	frame, err := broadcastFrame(channel, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.enqueue(frame)
	}
	return nil
}

// On 监听展示进程发来的单向消息。
func (s *Server) On(channel string, listener stream.Listener) func() {
	return s.listeners.Add(channel, listener)
}

// Peers 返回当前连接的展示进程数量。
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// ServeHTTP 把 HTTP 请求升级为 websocket 并为其服务，直到连接断开。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "ipc server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.ErrorS(err, "Failed to upgrade ipc connection", "remote", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		remote: r.RemoteAddr,
	}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	metrics.IPCPeers.Inc()
	klog.InfoS("Presentation process connected", "remote", p.remote)

	go p.writeLoop()
	p.readLoop()
}

// Close 断开所有 peer，之后的连接请求会被拒绝。
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()

	if ok {
		metrics.IPCPeers.Dec()
		klog.InfoS("Presentation process disconnected", "remote", p.remote)
	}
}

func (s *Server) handlerFor(channel string) (stream.InvokeHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[channel]
	return h, ok
}

type peer struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	remote string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Deliver 只把消息放入这个 peer 的发送队列。
func (p *peer) Deliver(channel string, payload interface{}) error {
	if p.ctx.Err() != nil {
		return stream.ErrClosed
	}
	frame, err := broadcastFrame(channel, payload)
	if err != nil {
		return err
	}
	p.enqueue(frame)
	return nil
}

// Done 在 peer 断开后关闭。
func (p *peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

func broadcastFrame(channel string, payload interface{}) ([]byte, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode broadcast on %q: %w", channel, err)
	}
	return json.Marshal(Message{Kind: KindBroadcast, Channel: channel, Payload: data})
}

func (p *peer) enqueue(frame []byte) {
	select {
	case <-p.ctx.Done():
		return
	default:
	}

	select {
	case p.send <- frame:
	default:
		// 丢弃消息会破坏对端状态的一致性，因此直接断开，对端重新连接后会重建状态
		klog.Warningf("Send queue of presentation process %s is full, disconnecting it", p.remote)
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.server.removePeer(p)
		_ = p.conn.Close()
	})
}

func (p *peer) readLoop() {
	defer utilruntime.HandleCrash()
	defer p.close()

	p.conn.SetReadLimit(16 << 20)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				klog.ErrorS(err, "ipc read error", "remote", p.remote)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			klog.ErrorS(err, "Dropping malformed ipc message", "remote", p.remote)
			continue
		}

		switch msg.Kind {
		case KindInvoke:
			go p.handleInvoke(msg)
		case KindSend:
			p.server.listeners.Dispatch(msg.Channel, msg.Payload)
		default:
			klog.Warningf("Unexpected ipc message kind %q from %s", msg.Kind, p.remote)
		}
	}
}

func (p *peer) handleInvoke(msg Message) {
	defer utilruntime.HandleCrash()

	result := Message{Kind: KindResult, ID: msg.ID, Channel: msg.Channel}

	handler, ok := p.server.handlerFor(msg.Channel)
	if !ok {
		result.Error = fmt.Sprintf("no invoke handler registered for %q", msg.Channel)
	} else {
		value, err := handler(stream.WithPeer(p.ctx, p), msg.Payload)
		if err != nil {
			result.Error = err.Error()
		} else if result.Payload, err = encodePayload(value); err != nil {
			result.Error = fmt.Sprintf("failed to encode result: %v", err)
		}
	}

	frame, err := json.Marshal(result)
	if err != nil {
		klog.ErrorS(err, "Failed to encode invoke result", "channel", msg.Channel)
		return
	}
	p.enqueue(frame)
}

func (p *peer) writeLoop() {
	defer utilruntime.HandleCrash()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				klog.ErrorS(err, "ipc write error", "remote", p.remote)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
