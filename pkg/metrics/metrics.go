package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "entity_catalog"

var (
	// Registry 是本进程所有指标所在的注册表，由 host 的 /metrics 暴露
	Registry = prometheus.NewRegistry()

	// ChangeEvents 统计 Diffing Emitter 产生的事件数量
	ChangeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_events_total",
		Help:      "Number of change events emitted by the diffing emitter.",
	}, []string{"type"})

	// Recomputations 统计 Emitter 处理的聚合重新计算次数
	Recomputations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recomputations_total",
		Help:      "Number of aggregate recomputations observed by the diffing emitter.",
	})

	// Entities 是最近一次重新计算后快照中的实体数量
	Entities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entities",
		Help:      "Number of entities in the current host snapshot.",
	})

	// StreamConnections 是每个逻辑流当前打开的连接数
	StreamConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_connections",
		Help:      "Number of open stream connections per logical stream.",
	}, []string{"stream"})

	// IPCPeers 是当前连接到 host 的展示进程数量
	IPCPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ipc_peers",
		Help:      "Number of presentation processes connected over websocket.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChangeEvents,
		Recomputations,
		Entities,
		StreamConnections,
		IPCPeers,
	)
}
