package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castlink_connections",
		Help: "Currently registered transport connections.",
	})

	Broadcasters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castlink_broadcasters",
		Help: "Currently registered broadcasters across all rooms.",
	})

	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castlink_messages_total",
		Help: "Inbound signaling messages by type.",
	}, []string{"type"})

	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castlink_relay_errors_total",
		Help: "Relay deliveries dropped due to send failure or backpressure.",
	})

	StaleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castlink_stale_connections",
		Help: "Connections past the heartbeat grace window (advisory).",
	})
)
