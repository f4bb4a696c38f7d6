// Package metrics exposes Prometheus instrumentation for a quartz node.
package metrics

import (
	"net/http"
	"time"

	"github.com/arya-analytics/quartz/internal/cluster/topology"
	"github.com/arya-analytics/quartz/internal/kv"
	"github.com/arya-analytics/quartz/internal/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quartz"

// Metrics holds the collectors of a single node. Each instance owns its own
// registry so that several nodes can run in one process.
type Metrics struct {
	Registry          *prometheus.Registry
	MessagesSent      *prometheus.CounterVec
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	TopologyVersion   prometheus.Gauge
	TopologyMembers   prometheus.Gauge
	OwnedPartitions   prometheus.Gauge
	host              node.ID
}

var _ kv.Observer = (*Metrics)(nil)

// New creates and registers the collectors of host.
func New(host node.ID) *Metrics {
	labels := prometheus.Labels{"node_id": string(host)}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		host:     host,
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "kv",
			Name:        "messages_sent_total",
			Help:        "Replication messages handed to the transport, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "kv",
			Name:        "operations_total",
			Help:        "Cache operations by type and outcome.",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "kv",
			Name:        "operation_duration_seconds",
			Help:        "Latency of cache operations.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"op"}),
		TopologyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "version",
			Help:        "Version of the installed topology snapshot.",
			ConstLabels: labels,
		}),
		TopologyMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "members",
			Help:        "Number of members in the installed topology snapshot.",
			ConstLabels: labels,
		}),
		OwnedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "owned_partitions",
			Help:        "Number of partitions the node owns as primary or backup.",
			ConstLabels: labels,
		}),
	}
	m.Registry.MustRegister(
		m.MessagesSent,
		m.OperationsTotal,
		m.OperationDuration,
		m.TopologyVersion,
		m.TopologyMembers,
		m.OwnedPartitions,
	)
	return m
}

// Sent implements kv.Observer.
func (m *Metrics) Sent(kind kv.Kind, _ node.ID) {
	m.MessagesSent.WithLabelValues(kind.String()).Inc()
}

// Operation records the outcome of a cache operation that started at start.
func (m *Metrics) Operation(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Topology is a topology listener that tracks the installed snapshot.
func (m *Metrics) Topology(_, next *topology.Snapshot) {
	m.TopologyVersion.Set(float64(next.Version))
	m.TopologyMembers.Set(float64(len(next.Nodes)))
	owned := 0
	for p := 0; p < next.Partitions(); p++ {
		if next.IsOwner(p, m.host) {
			owned++
		}
	}
	m.OwnedPartitions.Set(float64(owned))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
