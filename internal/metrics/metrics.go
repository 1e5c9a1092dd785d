package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_upstream_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"provider", "endpoint", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "townly_upstream_latency_seconds",
			Help:    "Weather provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "endpoint"},
	)

	RateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_ratelimit_denied_total",
			Help: "Calls refused because the rolling quota window was full",
		},
		[]string{"limiter"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_cache_lookups_total",
			Help: "Weather cache lookups by tier and result",
		},
		[]string{"kind", "tier", "result"},
	)

	CachePersistentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_cache_persistent_errors_total",
			Help: "Persistent cache tier failures (the cache keeps serving from memory)",
		},
		[]string{"op"},
	)

	CacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_cache_loads_total",
			Help: "Loader invocations after a cache miss, by outcome",
		},
		[]string{"kind", "result"},
	)

	EmbeddingsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_embeddings_stored_total",
			Help: "Weather embeddings written",
		},
		[]string{"content_type"},
	)

	EmbeddingsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "townly_embeddings_failed_total",
			Help: "Records that could not be embedded after retry",
		},
	)

	EmbeddingsCorrupt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_embeddings_corrupt_total",
			Help: "Embedding vectors rejected or skipped for being unusable",
		},
		[]string{"stage", "reason"},
	)

	SearchCandidatesTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "townly_search_candidates_truncated_total",
			Help: "Searches that matched more stored rows than the candidate limit",
		},
	)

	QueriesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_queries_routed_total",
			Help: "Weather questions answered, by routing method",
		},
		[]string{"method", "degraded"},
	)

	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_intent_classifications_total",
			Help: "Intent classifications by method",
		},
		[]string{"method"},
	)

	CollectorUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_collector_users_total",
			Help: "Per-user collection outcomes",
		},
		[]string{"result"},
	)

	ForecastsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "townly_forecasts_ingested_total",
			Help: "Forecast records upserted",
		},
		[]string{"granularity"},
	)
)
