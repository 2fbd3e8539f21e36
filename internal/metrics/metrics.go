package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_executions_started_total",
			Help: "Total number of pipeline executions started",
		},
		[]string{"thesis"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_executions_completed_total",
			Help: "Total number of pipeline executions reaching a terminal status",
		},
		[]string{"thesis", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diligence_execution_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"thesis", "status"},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diligence_executions_active",
			Help: "Number of executions currently owned by an orchestrator actor",
		},
	)

	RunsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diligence_runs_rejected_total",
			Help: "Run requests rejected because the target already has an active execution",
		},
	)

	// Stage metrics
	StagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_stages_completed_total",
			Help: "Total number of stages reaching a terminal status",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diligence_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_tool_calls_total",
			Help: "Total number of tool call attempts",
		},
		[]string{"tool", "status", "error_type"},
	)

	ToolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_tool_retries_total",
			Help: "Total number of tool call retries",
		},
		[]string{"tool"},
	)

	ToolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diligence_tool_latency_seconds",
			Help:    "Tool call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Evidence metrics
	EvidenceCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_evidence_committed_total",
			Help: "Total number of evidence items committed",
		},
		[]string{"type"},
	)

	EvidenceDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diligence_evidence_duplicates_total",
			Help: "Evidence items dropped because their fingerprint was already in the collection",
		},
	)

	// Quality and synthesis metrics
	QualityPenalty = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diligence_quality_penalty",
			Help:    "Penalty applied for missing critical evidence",
			Buckets: []float64{0, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1},
		},
	)

	ReportsSynthesized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_reports_synthesized_total",
			Help: "Total number of reports synthesized",
		},
		[]string{"thesis", "passed"},
	)

	CitationsLinked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_citations_total",
			Help: "Claims processed by the citation linker",
		},
		[]string{"status"},
	)

	// Admin metrics
	Interventions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_interventions_total",
			Help: "Total number of interventions",
		},
		[]string{"type", "status"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"rule", "severity"},
	)

	AlertsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_alerts_throttled_total",
			Help: "Alerts suppressed by per-rule throttling",
		},
		[]string{"rule"},
	)

	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_notification_attempts_total",
			Help: "Alert notification attempts by channel",
		},
		[]string{"channel", "status"},
	)

	// Vector and embedding metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diligence_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diligence_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diligence_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

// RecordExecutionMetrics records metrics for an execution reaching a terminal status
func RecordExecutionMetrics(thesis, status string, durationSeconds float64) {
	ExecutionsCompleted.WithLabelValues(thesis, status).Inc()
	if durationSeconds > 0 {
		ExecutionDuration.WithLabelValues(thesis, status).Observe(durationSeconds)
	}
}

// RecordStageMetrics records metrics for a finished stage
func RecordStageMetrics(stage, status string, durationSeconds float64) {
	StagesCompleted.WithLabelValues(stage, status).Inc()
	if durationSeconds > 0 {
		StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	}
}

// RecordToolMetrics records one tool call attempt
func RecordToolMetrics(tool, status, errorType string, durationSeconds float64) {
	ToolCalls.WithLabelValues(tool, status, errorType).Inc()
	if durationSeconds > 0 {
		ToolLatency.WithLabelValues(tool).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
