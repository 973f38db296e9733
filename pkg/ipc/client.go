package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fx147/entity-catalog/pkg/stream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

// 编译时检查
var _ stream.ClientBus = &Client{}

// DialOptions 控制 Dial 的重试行为。
type DialOptions struct {
	// MaxElapsedTime 为 0 时只尝试一次
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
}

// Client 是展示进程一侧的 websocket 端点。
type Client struct {
	conn *websocket.Conn
	url  string

	send chan []byte

	mu      sync.Mutex
	pending map[string]chan Message

	listeners stream.ListenerSet

	closeOnce sync.Once
	done      chan struct{}
}

// Dial 连接 host 进程的 ipc 端点，连接失败时按指数退避重试。
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	var conn *websocket.Conn

	operation := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.MaxElapsedTime > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = opts.MaxElapsedTime
		if opts.InitialInterval > 0 {
			eb.InitialInterval = opts.InitialInterval
		}
		b = eb
	}

	notify := func(err error, next time.Duration) {
		klog.V(2).InfoS("Failed to dial host, retrying", "url", url, "err", err, "after", next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		url:     url,
		send:    make(chan []byte, sendQueueSize),
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Invoke 发送一个请求并等待 host 的结果。
func (c *Client) Invoke(ctx context.Context, channel string, payload interface{}) (json.RawMessage, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	reply := make(chan Message, 1)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, stream.ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(Message{Kind: KindInvoke, ID: id, Channel: channel, Payload: data}); err != nil {
		return nil, err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return nil, errors.New(msg.Error)
		}
		return msg.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, stream.ErrClosed
	}
}

// Send 发送一条单向消息。
func (c *Client) Send(channel string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.enqueue(Message{Kind: KindSend, Channel: channel, Payload: data})
}

// On 监听 host 的广播。监听器在读循环中被调用，不能同步调用 Invoke。
func (c *Client) On(channel string, listener stream.Listener) func() {
	return c.listeners.Add(channel, listener)
}

// Done 在连接断开后关闭。
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close 断开与 host 的连接。
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) enqueue(msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return stream.ErrClosed
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return stream.ErrClosed
	default:
		c.shutdown()
		return fmt.Errorf("send queue to %s is full: %w", c.url, stream.ErrClosed)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer utilruntime.HandleCrash()
	defer c.shutdown()

	c.conn.SetReadLimit(16 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				klog.ErrorS(err, "ipc read error", "url", c.url)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			klog.ErrorS(err, "Dropping malformed ipc message", "url", c.url)
			continue
		}

		switch msg.Kind {
		case KindResult:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- msg:
				default:
				}
			} else {
				klog.V(4).InfoS("Dropping result for unknown invoke", "id", msg.ID, "channel", msg.Channel)
			}
		case KindBroadcast:
			c.listeners.Dispatch(msg.Channel, msg.Payload)
		default:
			klog.Warningf("Unexpected ipc message kind %q from %s", msg.Kind, c.url)
		}
	}
}

func (c *Client) writeLoop() {
	defer utilruntime.HandleCrash()
	defer c.shutdown()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				klog.ErrorS(err, "ipc write error", "url", c.url)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
