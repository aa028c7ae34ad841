package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_messages_appended_total",
			Help: "Total messages appended to rooms",
		},
		[]string{"kind"}, // "human", "agent" or "system"
	)

	RoomsHydrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_rooms_hydrated_total",
			Help: "Rooms loaded into memory on first touch",
		},
		[]string{"source"}, // "substrate", "backup_log" or "empty"
	)

	MessagesReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_messages_replayed_total",
			Help: "Messages written during an outage and replayed into the substrate",
		},
	)

	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_messages_relayed_total",
			Help: "Messages committed by other instances and pushed to local subscribers",
		},
	)

	// Routing metrics
	TasksRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_tasks_routed_total",
			Help: "Total tasks enqueued by the A2A router",
		},
	)

	TasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_tasks_dropped_total",
			Help: "Total routing candidates dropped",
		},
		[]string{"reason"},
	)

	// Callback metrics
	CallbacksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_callbacks_rejected_total",
			Help: "Total agent callbacks rejected",
		},
		[]string{"code"},
	)

	CallbacksDeduped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_callbacks_deduped_total",
			Help: "Total agent callbacks answered from the idempotency record",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_auth_failures_total",
			Help: "Total rejected bearer credentials",
		},
		[]string{"code"},
	)

	// Runner metrics
	LockEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_runner_lock_events_total",
			Help: "Runner lease acquisitions, renewals and losses",
		},
		[]string{"event"},
	)

	// Integrity metrics
	IntegrityIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_integrity_issues_total",
			Help: "Total integrity issues detected",
		},
		[]string{"level", "code"},
	)

	// Realtime metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_websocket_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arena_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arena_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
