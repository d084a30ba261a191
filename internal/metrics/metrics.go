package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search run metrics
	SearchesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ceejay_searches_started_total",
			Help: "Total number of search runs started",
		},
	)

	SearchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ceejay_searches_completed_total",
			Help: "Total number of search runs completed",
		},
		[]string{"end_reason"},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ceejay_search_duration_seconds",
			Help:    "Search run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 240},
		},
	)

	SearchIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ceejay_search_iterations",
			Help:    "Number of loop iterations per search run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// Retrieval metrics
	RetrievalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ceejay_retrieval_calls_total",
			Help: "Total retrieval backend calls",
		},
		[]string{"strategy", "status"},
	)

	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ceejay_retrieval_latency_seconds",
			Help:    "Retrieval backend call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Completion service metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ceejay_llm_calls_total",
			Help: "Total completion service calls",
		},
		[]string{"phase", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ceejay_llm_latency_seconds",
			Help:    "Completion service call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"phase"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ceejay_embedding_requests_total",
			Help: "Total embedding requests by outcome",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ceejay_embedding_latency_seconds",
			Help:    "Embedding request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Clarification session metrics
	ClarifySessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ceejay_clarify_sessions_created_total",
			Help: "Total clarification sessions created",
		},
	)

	ClarifySessionsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ceejay_clarify_sessions_resumed_total",
			Help: "Total clarification sessions resumed",
		},
	)

	ClarifySessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ceejay_clarify_sessions_expired_total",
			Help: "Total clarification sessions swept after TTL expiry",
		},
	)

	ClarifySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ceejay_clarify_sessions_active",
			Help: "Clarification sessions currently awaiting a resume",
		},
	)

	// Telemetry sink metrics
	TelemetryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ceejay_telemetry_write_failures_total",
			Help: "Telemetry rows dropped due to write failure or backpressure",
		},
	)
)

// RecordRetrievalMetrics records a retrieval backend call outcome.
func RecordRetrievalMetrics(strategy, status string, seconds float64) {
	RetrievalCalls.WithLabelValues(strategy, status).Inc()
	RetrievalLatency.WithLabelValues(strategy).Observe(seconds)
}

// RecordLLMMetrics records a completion service call outcome.
func RecordLLMMetrics(phase, status string, seconds float64) {
	LLMCalls.WithLabelValues(phase, status).Inc()
	LLMLatency.WithLabelValues(phase).Observe(seconds)
}

// RecordEmbeddingMetrics records an embedding request outcome.
func RecordEmbeddingMetrics(model, status string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if seconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(seconds)
	}
}
