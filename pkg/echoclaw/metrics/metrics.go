// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_http_requests_total",
			Help: "Total control API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoclaw_http_request_duration_seconds",
			Help:    "Control API request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	// Auto-mode metrics
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoclaw_automode_workers",
			Help: "Auto-mode workers currently running",
		},
	)

	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_automode_cycles_total",
			Help: "Auto-mode generate cycles by outcome",
		},
		[]string{"trigger", "outcome"},
	)

	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_automode_actions_total",
			Help: "Send actions by kind and result",
		},
		[]string{"kind", "result"}, // result: ok, skipped, failed, dropped
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoclaw_generation_duration_seconds",
			Help:    "Text generation latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"purpose"}, // reply, memory
	)

	MemoryCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_memory_checkpoints_total",
			Help: "Memory anchor tracker outcomes",
		},
		[]string{"outcome"},
	)

	// Transport metrics
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_inbound_messages_total",
			Help: "Messages recorded from the platform",
		},
		[]string{"transport"},
	)

	PresenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoclaw_presence_updates_total",
			Help: "Online status refreshes",
		},
		[]string{"result"},
	)
)
