package duplex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "duplex",
		Name:      "open_sessions",
		Help:      "Sessions currently connected, by role.",
	}, []string{"role"})

	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplex",
		Name:      "frames_total",
		Help:      "Frames processed, by direction and type.",
	}, []string{"dir", "type"})

	metricPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplex",
		Name:      "packets_total",
		Help:      "Packets processed, by direction and type.",
	}, []string{"dir", "type"})

	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplex",
		Name:      "calls_total",
		Help:      "Outgoing RPC calls, by outcome.",
	}, []string{"outcome"})

	metricErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duplex",
		Name:      "session_errors_total",
		Help:      "Errors surfaced on session error channels.",
	})
)
