package emitter

import (
	"errors"
	"sync"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/stream"
	"k8s.io/klog/v2"
)

// producer 把一个 stream 连接接到 Emitter 上：ready 之后先回放当前快照，再转发实时事件。
type producer struct {
	emitter *Emitter

	mu          sync.Mutex
	unsubscribe func()
	started     bool
	stopped     bool
}

// ProducerFactory 返回为每个 stream 连接创建 producer 的工厂。
func (e *Emitter) ProducerFactory() stream.ProducerFactory[metav1.ChangeEvent] {
	return func() stream.Producer[metav1.ChangeEvent] {
		return &producer{emitter: e}
	}
}

func (p *producer) Start(sink stream.Sink[metav1.ChangeEvent]) {
	p.mu.Lock()
	if p.stopped || p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	// 回放期间对端可能已经关闭连接，因此订阅时不能持有 p.mu
	unsubscribe := p.emitter.Subscribe(func(event metav1.ChangeEvent) {
		if err := sink.Send(event); err != nil && !errors.Is(err, stream.ErrClosed) {
			klog.ErrorS(err, "Failed to send change event", "type", event.Type, "uid", event.UID)
		}
	}, true)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		unsubscribe()
		return
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

func (p *producer) Stop() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.stopped = true
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
