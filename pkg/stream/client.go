package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Handlers 是展示进程一侧的回调。
type Handlers[T any] struct {
	// OnData 收到一条数据
	OnData func(item T)
	// OnClose 连接结束，无论由哪一方关闭，最多调用一次
	OnClose func()
	// OnConnectionError connect 调用本身失败，不会自动重试
	OnConnectionError func(err error)
}

// Subscription 是展示进程一侧的一个连接。
type Subscription struct {
	name  string
	bus   ClientBus
	names ConnectResponse

	closeOnce sync.Once
	done      chan struct{}
	onClose   func()

	mu       sync.Mutex
	offData  func()
	offClose func()
}

// Connect 连接逻辑流 name：发起 connect 调用，监听数据与关闭通道，然后发送 ready。
func Connect[T any](ctx context.Context, bus ClientBus, name string, h Handlers[T]) (*Subscription, error) {
	raw, err := bus.Invoke(ctx, ConnectChannel(name), nil)
	if err == nil && len(raw) == 0 {
		err = fmt.Errorf("empty connect response")
	}

	var names ConnectResponse
	if err == nil {
		if uerr := json.Unmarshal(raw, &names); uerr != nil {
			err = fmt.Errorf("failed to decode connect response: %w", uerr)
		} else if names.Data == "" || names.Close == "" || names.Ready == "" {
			err = fmt.Errorf("incomplete connect response %s", string(raw))
		}
	}
	if err != nil {
		err = fmt.Errorf("failed to connect to stream %q: %w", name, err)
		klog.ErrorS(err, "Stream connection error", "stream", name)
		if h.OnConnectionError != nil {
			h.OnConnectionError(err)
		}
		return nil, err
	}

	s := &Subscription{
		name:    name,
		bus:     bus,
		names:   names,
		done:    make(chan struct{}),
		onClose: h.OnClose,
	}

	s.mu.Lock()
	s.offData = bus.On(names.Data, func(payload json.RawMessage) {
		var item T
		if err := json.Unmarshal(payload, &item); err != nil {
			klog.ErrorS(err, "Dropping undecodable stream message", "stream", name, "channel", names.Data)
			return
		}
		if h.OnData != nil {
			h.OnData(item)
		}
	})
	s.offClose = bus.On(names.Close, func(json.RawMessage) {
		klog.V(2).InfoS("Stream closed by host", "stream", name)
		s.finish()
	})
	s.mu.Unlock()

	go func() {
		select {
		case <-bus.Done():
			klog.V(2).InfoS("Stream transport went away", "stream", name)
			s.finish()
		case <-s.done:
		}
	}()

	if err := bus.Send(names.Ready, nil); err != nil {
		// 握手没有完成，按连接错误处理，不调用 OnClose
		s.abort()
		err = fmt.Errorf("failed to send ready for stream %q: %w", name, err)
		klog.ErrorS(err, "Stream connection error", "stream", name)
		if h.OnConnectionError != nil {
			h.OnConnectionError(err)
		}
		return nil, err
	}
	return s, nil
}

// Names 返回这个连接使用的通道名。
func (s *Subscription) Names() ConnectResponse {
	return s.names
}

// Done 在连接结束后关闭。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close 请求 host 关闭连接并停止监听。
func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	// 先停止监听，避免 host 在处理 close 时的广播回到这里
	s.stopListening()
	err := s.bus.Send(s.names.Close, nil)
	s.finish()
	if err != nil {
		return fmt.Errorf("failed to close stream %q: %w", s.name, err)
	}
	return nil
}

func (s *Subscription) finish() {
	s.closeOnce.Do(func() {
		s.stopListening()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) abort() {
	s.closeOnce.Do(func() {
		s.stopListening()
		close(s.done)
	})
}

func (s *Subscription) stopListening() {
	s.mu.Lock()
	offData, offClose := s.offData, s.offClose
	s.offData, s.offClose = nil, nil
	s.mu.Unlock()

	if offData != nil {
		offData()
	}
	if offClose != nil {
		offClose()
	}
}
