package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instruments for one server instance. Each
// instance registers into its own registry so several servers can coexist in
// one process (the mesh tests rely on this).
type metrics struct {
	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsDropped  prometheus.Counter
	duplicates      prometheus.Counter

	activeUsers    prometheus.Gauge
	activeChannels prometheus.Gauge
	routedChannels prometheus.Gauge
	neighborCount  prometheus.Gauge

	sweepEvictions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duckchat",
			Name:      "packets_received_total",
			Help:      "Datagrams received, by packet type",
		}, []string{"type"}),

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duckchat",
			Name:      "packets_sent_total",
			Help:      "Datagrams sent, by packet type",
		}, []string{"type"}),

		packetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "duckchat",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped as malformed or unknown",
		}),

		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "duckchat",
			Name:      "duplicate_ids_total",
			Help:      "S2S packets suppressed by the message-ID cache",
		}),

		activeUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "duckchat",
			Name:      "active_users",
			Help:      "Clients currently logged in",
		}),

		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "duckchat",
			Name:      "active_channels",
			Help:      "Channels with local subscribers (Common included)",
		}),

		routedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "duckchat",
			Name:      "routed_channels",
			Help:      "Channels present in the S2S routing table",
		}),

		neighborCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "duckchat",
			Name:      "neighbors",
			Help:      "Neighbor servers currently considered alive",
		}),

		sweepEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duckchat",
			Name:      "sweep_evictions_total",
			Help:      "Records evicted by the inactivity sweep, by kind",
		}, []string{"kind"}),
	}
}
