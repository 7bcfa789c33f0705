package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub sync core.
type Metrics struct {
	// --- Query cache ---
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheStaleServed   *prometheus.CounterVec
	CacheCoalesced     *prometheus.CounterVec
	CacheRefreshErrors *prometheus.CounterVec
	CacheEvictions     prometheus.Counter
	CacheInvalidations *prometheus.CounterVec
	CacheSize          prometheus.Gauge
	CacheFetchDuration *prometheus.HistogramVec
	CacheRedisErrors   *prometheus.CounterVec

	// --- Mutation coordinator ---
	MutationsStarted       *prometheus.CounterVec
	MutationsCompleted     *prometheus.CounterVec
	MutationStageDuration  *prometheus.HistogramVec
	ReconciliationFailures *prometheus.CounterVec
	ExecutorTimeouts       prometheus.Counter

	// --- Remote store ---
	StoreOps       *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	StoreOpLatency *prometheus.HistogramVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	IdempotencyLRUSize    prometheus.Gauge

	// --- Notifications ---
	NotificationsEmitted *prometheus.CounterVec
	NotificationsEvicted prometheus.Counter

	// --- Market data poller ---
	MarketPolls      *prometheus.CounterVec
	MarketPollErrors prometheus.Counter
	MarketPollDur    prometheus.Histogram

	// --- Invalidation feed ---
	InvalidationEvents *prometheus.CounterVec
	InvalidationLag    prometheus.Histogram

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so parallel packages never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)

	fetchBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	stageBuckets := []float64{
		0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0,
	}

	return &Metrics{
		// Query cache
		CacheHits: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_hits_total",
			Help: "Cache reads served from a fresh entry",
		}, []string{"tier"}),

		CacheMisses: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_misses_total",
			Help: "Cache reads that invoked the fetcher",
		}, []string{"reason"}),

		CacheStaleServed: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_stale_served_total",
			Help: "Reads served last-known-good after a refresh failure",
		}, []string{"key_prefix"}),

		CacheCoalesced: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_coalesced_total",
			Help: "Concurrent same-key reads that shared one fetch",
		}, []string{"key_prefix"}),

		CacheRefreshErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_refresh_errors_total",
			Help: "Background refresh failures (stale data kept)",
		}, []string{"key_prefix"}),

		CacheEvictions: auto.NewCounter(prometheus.CounterOpts{
			Name: "hub_cache_evictions_total",
			Help: "Entries dropped by the idle janitor",
		}),

		CacheInvalidations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_invalidations_total",
			Help: "Explicit invalidations by source",
		}, []string{"source"}),

		CacheSize: auto.NewGauge(prometheus.GaugeOpts{
			Name: "hub_cache_entries",
			Help: "Current in-memory cache entry count",
		}),

		CacheFetchDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_cache_fetch_duration_seconds",
			Help:    "Fetcher latency on cache miss or refresh",
			Buckets: fetchBuckets,
		}, []string{"key_prefix"}),

		CacheRedisErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_cache_redis_errors_total",
			Help: "Redis tier failures (best-effort, not surfaced)",
		}, []string{"op"}),

		// Mutation coordinator
		MutationsStarted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_mutations_started_total",
			Help: "Mutations entering the Created stage",
		}, []string{"kind"}),

		MutationsCompleted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_mutations_completed_total",
			Help: "Mutations reaching Done by outcome",
		}, []string{"kind", "outcome"}),

		MutationStageDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_mutation_stage_duration_seconds",
			Help:    "Time spent per coordinator stage",
			Buckets: stageBuckets,
		}, []string{"kind", "stage"}),

		ReconciliationFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_reconciliation_failures_total",
			Help: "External effect succeeded but finalize write failed",
		}, []string{"kind"}),

		ExecutorTimeouts: auto.NewCounter(prometheus.CounterOpts{
			Name: "hub_executor_timeouts_total",
			Help: "External actions aborted by the coordinator deadline",
		}),

		// Remote store
		StoreOps: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_store_ops_total",
			Help: "Remote store operations",
		}, []string{"table", "op"}),

		StoreErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_store_errors_total",
			Help: "Remote store failures",
		}, []string{"table", "op", "class"}),

		StoreOpLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_store_op_duration_seconds",
			Help:    "Remote store operation latency",
			Buckets: fetchBuckets,
		}, []string{"table", "op"}),

		// Idempotency
		IdempotencyDuplicates: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_idempotency_duplicates_total",
			Help: "Duplicate finalizes caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		IdempotencyLRUSize: auto.NewGauge(prometheus.GaugeOpts{
			Name: "hub_idempotency_lru_size",
			Help: "Current idempotency LRU occupancy",
		}),

		// Notifications
		NotificationsEmitted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_notifications_emitted_total",
			Help: "Notifications added to the local store",
		}, []string{"severity"}),

		NotificationsEvicted: auto.NewCounter(prometheus.CounterOpts{
			Name: "hub_notifications_evicted_total",
			Help: "Notifications dropped past the storage cap",
		}),

		// Market data poller
		MarketPolls: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_market_polls_total",
			Help: "Market data polls by status",
		}, []string{"status"}),

		MarketPollErrors: auto.NewCounter(prometheus.CounterOpts{
			Name: "hub_market_poll_errors_total",
			Help: "Market data provider failures",
		}),

		MarketPollDur: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_market_poll_duration_seconds",
			Help:    "Market data poll round-trip time",
			Buckets: fetchBuckets,
		}),

		// Invalidation feed
		InvalidationEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_invalidation_events_total",
			Help: "Change-feed events received",
		}, []string{"table"}),

		InvalidationLag: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_invalidation_lag_seconds",
			Help:    "Producer timestamp to cache invalidation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		// HTTP API
		APIRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_api_requests_total",
			Help: "API requests",
		}, []string{"route", "status"}),

		APIDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_api_duration_seconds",
			Help:    "API request latency",
			Buckets: fetchBuckets,
		}, []string{"route"}),
	}
}
