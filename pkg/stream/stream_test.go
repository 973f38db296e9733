package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProducer 记录生命周期，并把 sink 暴露给测试。
type testProducer struct {
	mu      sync.Mutex
	sink    Sink[string]
	started int
	stopped int
	initial []string
}

func (p *testProducer) Start(sink Sink[string]) {
	p.mu.Lock()
	p.sink = sink
	p.started++
	initial := p.initial
	p.mu.Unlock()

	for _, item := range initial {
		_ = sink.Send(item)
	}
}

func (p *testProducer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

type producers struct {
	mu      sync.Mutex
	created []*testProducer
	initial []string
}

func (ps *producers) factory() Producer[string] {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &testProducer{initial: ps.initial}
	ps.created = append(ps.created, p)
	return p
}

type recorder struct {
	mu      sync.Mutex
	items   []string
	closed  int
	connErr error
}

func (r *recorder) handlers() Handlers[string] {
	return Handlers[string]{
		OnData: func(item string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.items = append(r.items, item)
		},
		OnClose: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed++
		},
		OnConnectionError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connErr = err
		},
	}
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...), r.closed
}

func TestReadyHandshakeReplaysInitial(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{initial: []string{"a", "b"}}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	var rec recorder
	sub, err := Connect(context.Background(), bus.NewClient(), "test", rec.handlers())
	require.NoError(t, err)
	defer sub.Close()

	items, _ := rec.snapshot()
	assert.Equal(t, []string{"a", "b"}, items)
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, ps.created[0].sink.Send("c"))
	items, _ = rec.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestIndependentConnections(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	client := bus.NewClient()
	var rec1, rec2 recorder
	sub1, err := Connect(context.Background(), client, "test", rec1.handlers())
	require.NoError(t, err)
	sub2, err := Connect(context.Background(), client, "test", rec2.handlers())
	require.NoError(t, err)

	n1, n2 := sub1.Names(), sub2.Names()
	for _, a := range []string{n1.Data, n1.Close, n1.Ready} {
		for _, b := range []string{n2.Data, n2.Close, n2.Ready} {
			assert.NotEqual(t, a, b)
		}
	}

	require.Len(t, ps.created, 2)
	require.NoError(t, ps.created[0].sink.Send("one"))
	require.NoError(t, ps.created[1].sink.Send("two"))

	items1, _ := rec1.snapshot()
	items2, _ := rec2.snapshot()
	assert.Equal(t, []string{"one"}, items1)
	assert.Equal(t, []string{"two"}, items2)

	// 关闭其中一个不影响另一个
	require.NoError(t, sub1.Close())
	assert.Equal(t, 1, ps.created[0].stopped)
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, ps.created[1].sink.Send("three"))
	items2, closed2 := rec2.snapshot()
	assert.Equal(t, []string{"two", "three"}, items2)
	assert.Equal(t, 0, closed2)

	_, closed1 := rec1.snapshot()
	assert.Equal(t, 1, closed1)
	assert.True(t, errors.Is(ps.created[0].sink.Send("late"), ErrClosed))
	assert.True(t, errors.Is(sub1.Close(), ErrClosed))

	require.NoError(t, sub2.Close())
}

func TestHostEndsConnection(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	var rec recorder
	sub, err := Connect(context.Background(), bus.NewClient(), "test", rec.handlers())
	require.NoError(t, err)

	ps.created[0].sink.End()

	<-sub.Done()
	_, closed := rec.snapshot()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, ps.created[0].stopped)
	assert.Equal(t, 0, srv.Connections())
}

func TestPeerDisconnectTearsDown(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	client := bus.NewClient()
	var rec recorder
	sub, err := Connect(context.Background(), client, "test", rec.handlers())
	require.NoError(t, err)

	client.Close()
	<-sub.Done()

	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, testTimeout, testTick)
	_, closed := rec.snapshot()
	assert.Equal(t, 1, closed)
}

func TestConnectionError(t *testing.T) {
	bus := NewMemoryBus()

	var rec recorder
	sub, err := Connect(context.Background(), bus.NewClient(), "missing", rec.handlers())
	require.Error(t, err)
	assert.Nil(t, sub)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Error(t, rec.connErr)
	assert.Equal(t, 0, rec.closed)
}

func TestServerCloseEndsAllConnections(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)

	var rec1, rec2 recorder
	client := bus.NewClient()
	sub1, err := Connect(context.Background(), client, "test", rec1.handlers())
	require.NoError(t, err)
	sub2, err := Connect(context.Background(), client, "test", rec2.handlers())
	require.NoError(t, err)

	srv.Close()
	<-sub1.Done()
	<-sub2.Done()

	_, err = Connect(context.Background(), client, "test", Handlers[string]{})
	assert.Error(t, err)

	// 同一逻辑流可以重新注册
	srv2, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	srv2.Close()
}

func TestDuplicateServe(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	_, err = Serve[string](bus, "test", ps.factory)
	assert.Error(t, err)
}

func TestMemoryBusCopiesPayloads(t *testing.T) {
	bus := NewMemoryBus()
	client := bus.NewClient()

	var got json.RawMessage
	client.On("ch", func(payload json.RawMessage) { got = payload })

	payload := map[string]string{"k": "v"}
	require.NoError(t, bus.Broadcast("ch", payload))
	payload["k"] = "changed"

	assert.JSONEq(t, `{"k":"v"}`, string(got))
}

func TestDataDeliveredOnlyToConnectingPeer(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	var rec recorder
	sub, err := Connect(context.Background(), bus.NewClient(), "test", rec.handlers())
	require.NoError(t, err)
	defer sub.Close()

	other := bus.NewClient()
	var stray []json.RawMessage
	other.On(sub.Names().Data, func(payload json.RawMessage) { stray = append(stray, payload) })
	other.On(sub.Names().Close, func(payload json.RawMessage) { stray = append(stray, payload) })

	require.NoError(t, ps.created[0].sink.Send("one"))
	ps.created[0].sink.End()

	items, closed := rec.snapshot()
	assert.Equal(t, []string{"one"}, items)
	assert.Equal(t, 1, closed)
	assert.Empty(t, stray)
}

// failingReady 的 Send 总是失败，connect 握手因此无法完成。
type failingReady struct {
	*MemoryClient
}

func (f failingReady) Send(string, interface{}) error {
	return errors.New("send failed")
}

func TestReadyFailureIsConnectionError(t *testing.T) {
	bus := NewMemoryBus()
	ps := &producers{}
	srv, err := Serve[string](bus, "test", ps.factory)
	require.NoError(t, err)
	defer srv.Close()

	client := bus.NewClient()
	var rec recorder
	sub, err := Connect(context.Background(), failingReady{client}, "test", rec.handlers())
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.Contains(t, err.Error(), "send failed")

	rec.mu.Lock()
	assert.Error(t, rec.connErr)
	assert.Equal(t, 0, rec.closed)
	rec.mu.Unlock()

	// 展示进程断开后 host 释放这个未完成握手的连接
	client.Close()
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, testTimeout, testTick)
	assert.Equal(t, 0, ps.created[0].started)
}

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)
