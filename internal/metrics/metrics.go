package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client transport metrics
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_frames_sent_total",
			Help: "Outbound frames by outcome",
		},
		[]string{"outcome"}, // "sent", "queued", "rejected", "failed"
	)

	QueueFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_queue_flushed_total",
			Help: "Queued frames flushed after the connection opened",
		},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_disconnects_total",
			Help: "Connection losses",
		},
		[]string{"op"}, // "dial", "read", "write"
	)

	EventsOverflowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_transport_events_overflowed_total",
			Help: "Lifecycle events that did not fit the event buffer",
		},
	)

	// Dispatch metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_frames_received_total",
			Help: "Inbound frames by decoded kind",
		},
		[]string{"kind"},
	)

	UnknownFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_frames_unknown_total",
			Help: "Inbound frames that did not decode to a known kind",
		},
	)

	// Relationship metrics
	RelationshipRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_relationship_refreshes_total",
			Help: "Relationship refreshes by outcome",
		},
		[]string{"outcome"}, // "applied", "stale", "failed"
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_store_latency_seconds",
			Help:    "Relationship store request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Relay metrics
	RelaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_relay_sessions",
			Help: "Open relay WebSocket sessions",
		},
	)

	RelayReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_relay_replies_total",
			Help: "Persona replies produced by the relay",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	MemoriesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_memories_recorded_total",
			Help: "Memories added to the dev relationship store",
		},
		[]string{"type"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)
)
