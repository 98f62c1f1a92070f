// Package metrics declares the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "commands_total",
		Help:      "Browser commands handled, by kind and outcome",
	}, []string{"kind", "outcome"})

	FanoutEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "fanout_events_total",
		Help:      "Telemetry events broadcast to browsers, by event type",
	}, []string{"type"})

	FanoutSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "fanout_send_failures_total",
		Help:      "Per-connection send failures during fan-out",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "active_connections",
		Help:      "Browser connections currently attached",
	})

	UpstreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "upstream_state",
		Help:      "Upstream link state (0 disconnected, 1 connecting, 2 connected)",
	})

	UpstreamReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "upstream_reconnect_attempts_total",
		Help:      "Upstream reconnect attempts, by result",
	}, []string{"result"})
)

// IncCommand records a handled browser command.
func IncCommand(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	CommandsTotal.WithLabelValues(kind, outcome).Inc()
}
