// Package metrics exposes Prometheus collectors for the broker, fed from the
// broker event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaypad/relaypad/internal/broker"
)

// Collector bundles the broker's Prometheus metrics. Wire it to a server
// with Observe and register it with a prometheus.Registerer.
type Collector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	disconnectsTotal  *prometheus.CounterVec

	sessionsActive  prometheus.Gauge
	documentLoads   prometheus.Counter
	documentUnloads *prometheus.CounterVec
	documentDeletes prometheus.Counter
	documentWrites  prometheus.Counter

	messagesTotal     *prometheus.CounterVec
	replicatedTotal   prometheus.Counter
	dedupedTotal      prometheus.Counter
	sizeWarningsTotal prometheus.Counter
	sizeExceededTotal prometheus.Counter
}

// New creates the collector and registers every metric with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_connections_total",
			Help: "Total number of client connections established",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaypad_connections_active",
			Help: "Current number of connected clients",
		}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaypad_disconnects_total",
			Help: "Total disconnections by reason",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaypad_sessions_active",
			Help: "Current number of resident document sessions",
		}),
		documentLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_document_loads_total",
			Help: "Total number of document sessions opened",
		}),
		documentUnloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaypad_document_unloads_total",
			Help: "Total number of document sessions unloaded by reason",
		}, []string{"reason"}),
		documentDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_document_deletes_total",
			Help: "Total number of documents deleted",
		}),
		documentWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_document_writes_total",
			Help: "Total number of document updates written to storage",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaypad_messages_total",
			Help: "Total client messages by direction and type",
		}, []string{"direction", "type"}),
		replicatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_replicated_messages_total",
			Help: "Total messages applied from the replication fabric",
		}),
		dedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_deduped_messages_total",
			Help: "Total replicated messages dropped as duplicates",
		}),
		sizeWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_document_size_warnings_total",
			Help: "Total document size warning threshold crossings",
		}),
		sizeExceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaypad_document_size_limit_exceeded_total",
			Help: "Total document size limit crossings",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.disconnectsTotal,
		c.sessionsActive,
		c.documentLoads,
		c.documentUnloads,
		c.documentDeletes,
		c.documentWrites,
		c.messagesTotal,
		c.replicatedTotal,
		c.dedupedTotal,
		c.sizeWarningsTotal,
		c.sizeExceededTotal,
	)
	return c
}

// Observe subscribes the collector to a broker event bus. The returned cancel
// detaches it.
func (c *Collector) Observe(bus *broker.Bus) (cancel func()) {
	return bus.SubscribeAll(func(ev broker.Event) {
		switch e := ev.(type) {
		case broker.ClientConnectEvent:
			c.connectionsTotal.Inc()
			c.connectionsActive.Inc()
		case broker.ClientDisconnectEvent:
			c.connectionsActive.Dec()
			c.disconnectsTotal.WithLabelValues(e.Reason).Inc()
		case broker.DocumentLoadEvent:
			c.documentLoads.Inc()
			c.sessionsActive.Inc()
		case broker.DocumentUnloadEvent:
			c.sessionsActive.Dec()
			c.documentUnloads.WithLabelValues(e.Reason).Inc()
		case broker.DocumentDeleteEvent:
			c.documentDeletes.Inc()
		case broker.DocumentWriteEvent:
			c.documentWrites.Inc()
		case broker.ClientMessageEvent:
			c.messagesTotal.WithLabelValues(e.Direction, string(e.MessageType)).Inc()
		case broker.DocumentMessageEvent:
			if e.Deduped {
				c.dedupedTotal.Inc()
			} else if e.Source == broker.SourceReplication {
				c.replicatedTotal.Inc()
			}
		case broker.DocumentSizeWarningEvent:
			c.sizeWarningsTotal.Inc()
		case broker.DocumentSizeLimitExceededEvent:
			c.sizeExceededTotal.Inc()
		}
	})
}
