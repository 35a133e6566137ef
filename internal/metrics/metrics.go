// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks open WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agenthub_websocket_connections",
		Help: "Number of currently open WebSocket sessions.",
	})

	// FramesReceived counts inbound client frames by type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_frames_received_total",
		Help: "Inbound WebSocket frames by frame type.",
	}, []string{"type"})

	// FramesDropped counts outbound frames dropped because a subscriber's
	// send buffer was full.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_frames_dropped_total",
		Help: "Outbound frames dropped due to slow subscribers.",
	})

	// EventsPublished counts hub publishes by frame type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_events_published_total",
		Help: "Events published to conversation groups by frame type.",
	}, []string{"type"})

	// TasksTotal counts finished agent tasks by outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_agent_tasks_total",
		Help: "Agent task outcomes.",
	}, []string{"outcome"})

	// TaskDuration observes end-to-end task execution time.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agenthub_agent_task_duration_seconds",
		Help:    "Agent task execution time from start to terminal state.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// ProviderLatency observes streaming completion call duration by provider.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agenthub_provider_stream_duration_seconds",
		Help:    "Duration of streaming completion calls by provider.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	// ProviderErrors counts provider failures by provider and error kind.
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_provider_errors_total",
		Help: "Provider failures by provider and error kind.",
	}, []string{"provider", "kind"})

	// FallbackAnswers counts streams that ended without answer tags and fell
	// back to the untagged text.
	FallbackAnswers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_untagged_answer_fallbacks_total",
		Help: "Completions whose answer was recovered from untagged output.",
	})
)
