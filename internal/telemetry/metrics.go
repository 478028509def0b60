package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "messages_sent_total",
			Help:      "Messages sent, by transport path.",
		},
		[]string{"transport"},
	)

	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "messages_received_total",
			Help:      "Messages received across all transports.",
		},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "bytes_sent_total",
			Help:      "Encoded frame bytes sent, by transport path.",
		},
		[]string{"transport"},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "bytes_received_total",
			Help:      "Encoded frame bytes received across all transports.",
		},
	)

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalmesh",
			Name:      "connected_peers",
			Help:      "Established streaming connections.",
		},
	)

	KnownNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalmesh",
			Name:      "known_nodes",
			Help:      "Nodes currently tracked by the liveness registry.",
		},
	)

	HandlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "handler_panics_total",
			Help:      "Registered message handlers that panicked.",
		},
	)

	DecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "decode_failures_total",
			Help:      "Inbound frames that failed to decode.",
		},
	)

	NodeEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalmesh",
			Name:      "node_evictions_total",
			Help:      "Peers evicted for staleness.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "portalmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(MessagesSent, MessagesReceived, BytesSent, BytesReceived,
		ConnectedPeers, KnownNodes, HandlerPanics, DecodeFailures, NodeEvictions, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
