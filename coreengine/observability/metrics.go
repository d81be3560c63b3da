// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the segment pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_pipeline_executions_total",
			Help: "Total number of segment resolutions",
		},
		[]string{"status"}, // status: success, validation_failed, activation_failed, error
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmentation_pipeline_duration_seconds",
			Help:    "Segment resolution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_stage_executions_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"}, // status: success, error, timeout
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmentation_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmentation_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// STORE METRICS
// =============================================================================

var (
	storeQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_store_queries_total",
			Help: "Total number of queries executed against the tabular store",
		},
		[]string{"operation", "status"},
	)

	storeQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmentation_store_query_duration_seconds",
			Help:    "Tabular store query duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)
)

// =============================================================================
// SEGMENT METRICS
// =============================================================================

var (
	validationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_validation_outcomes_total",
			Help: "Safety validation outcomes",
		},
		[]string{"outcome"}, // outcome: valid, invalid, dangerous
	)

	activationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_activations_total",
			Help: "Segment activations",
		},
		[]string{"status"}, // status: success, failure
	)

	registrySegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmentation_registry_segments",
			Help: "Number of segments held in the registry",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineExecution records one segment resolution.
func RecordPipelineExecution(status string, durationMS int) {
	pipelineExecutionsTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records one pipeline stage run.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMCall records LLM call metrics.
// This should be called after LLM generation completes.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordStoreQuery records a query against the tabular store.
func RecordStoreQuery(operation string, status string, durationMS int) {
	storeQueriesTotal.WithLabelValues(operation, status).Inc()
	storeQueryDurationSeconds.WithLabelValues(operation).Observe(float64(durationMS) / 1000.0)
}

// RecordValidationOutcome records the result of a safety validation.
func RecordValidationOutcome(outcome string) {
	validationOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordActivation records an activation attempt.
func RecordActivation(status string) {
	activationsTotal.WithLabelValues(status).Inc()
}

// SetRegistrySize reports the current number of registered segments.
func SetRegistrySize(n int) {
	registrySegments.Set(float64(n))
}
