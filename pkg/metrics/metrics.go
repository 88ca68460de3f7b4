package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks sync outcomes per event kind.
	// status is one of: synced, conflict, dead_lettered.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_events_processed_total",
		Help: "Total number of queue items resolved by the sync worker",
	}, []string{"status", "kind"})

	// SyncAttempts counts individual record attempts, including retries.
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_attempts_total",
		Help: "Total number of ledger record attempts by outcome",
	}, []string{"outcome"})

	// DrainDuration measures how long a full drain pass takes
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_drain_duration_seconds",
		Help:    "Duration of queue drain passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DrainBatchSize tracks how many items each drain pass picked up
	DrainBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_drain_batch_size",
		Help:    "Number of pending items seen per drain pass",
		Buckets: []float64{1, 5, 10, 50, 100, 500},
	})

	// QueueBacklog is the primary indicator of sync lag on the device
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_backlog",
		Help: "Current number of pending items in the local sync queue",
	})

	// DeadLetters tracks quarantined items needing operator attention.
	// If this number grows, manual intervention via the status API is required
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_dead_letters",
		Help: "Current number of dead-lettered items in the local queue",
	})

	// DuplicatesSuppressed counts actions rejected by the debounce filter
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_duplicates_suppressed_total",
		Help: "Total number of actions suppressed by the debounce filter",
	})

	// BackendHealthy provides a binary 0/1 signal for backend reachability
	// 1 = online, 0 = offline (queue keeps accumulating locally)
	BackendHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_backend_healthy",
		Help: "Backend reachability as seen by the connectivity probe (1 online, 0 offline)",
	})

	// BroadcastPublished tracks the best-effort live fan-out of acked events
	BroadcastPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_broadcast_published_total",
		Help: "Total number of fan-out publishes by outcome",
	}, []string{"outcome"})

	// RosterRefreshes counts opportunistic roster cache refreshes
	RosterRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_roster_refreshes_total",
		Help: "Total number of roster cache refresh attempts by outcome",
	}, []string{"outcome"})

	// TelemetryEvents counts structured telemetry records by level
	TelemetryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_telemetry_events_total",
		Help: "Total number of telemetry sink records by level",
	}, []string{"level"})
)
