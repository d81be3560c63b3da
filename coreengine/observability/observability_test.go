package observability

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordPipelineExecution(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		durationMS int
	}{
		{"success", "success", 1000},
		{"validation failed", "validation_failed", 500},
		{"activation failed", "activation_failed", 2000},
		{"error", "error", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(pipelineExecutionsTotal.WithLabelValues(tt.status))
			RecordPipelineExecution(tt.status, tt.durationMS)
			after := testutil.ToFloat64(pipelineExecutionsTotal.WithLabelValues(tt.status))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordStageExecution(t *testing.T) {
	tests := []struct {
		name       string
		stage      string
		status     string
		durationMS int
	}{
		{"parse intent", "parse_intent", "success", 1200},
		{"map fields", "map_fields", "success", 1},
		{"validate timeout", "validate", "timeout", 30000},
		{"activate error", "activate", "error", 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordStageExecution(tt.stage, tt.status, tt.durationMS)
			count := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues(tt.stage, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordLLMCall(t *testing.T) {
	RecordLLMCall("openai", "gpt-3.5-turbo", "success", 900)
	RecordLLMCall("openai", "gpt-3.5-turbo", "error", 30)

	assert.Greater(t, testutil.ToFloat64(llmCallsTotal.WithLabelValues("openai", "gpt-3.5-turbo", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(llmCallsTotal.WithLabelValues("openai", "gpt-3.5-turbo", "error")), 0.0)
}

func TestRecordStoreQuery(t *testing.T) {
	before := testutil.ToFloat64(storeQueriesTotal.WithLabelValues("store-test", "success"))
	RecordStoreQuery("store-test", "success", 3)
	assert.Equal(t, before+1, testutil.ToFloat64(storeQueriesTotal.WithLabelValues("store-test", "success")))
}

func TestRecordValidationAndActivation(t *testing.T) {
	RecordValidationOutcome("dangerous")
	RecordActivation("failure")

	assert.Greater(t, testutil.ToFloat64(validationOutcomesTotal.WithLabelValues("dangerous")), 0.0)
	assert.Greater(t, testutil.ToFloat64(activationsTotal.WithLabelValues("failure")), 0.0)
}

func TestSetRegistrySize(t *testing.T) {
	SetRegistrySize(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(registrySegments))
	SetRegistrySize(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(registrySegments))
}

func TestMetrics_Concurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				RecordStageExecution("concurrent-stage", "success", 5)
				RecordStoreQuery("concurrent-op", "success", 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(goroutines*iterations), testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("concurrent-stage", "success")))
	assert.Equal(t, float64(goroutines*iterations), testutil.ToFloat64(storeQueriesTotal.WithLabelValues("concurrent-op", "success")))
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_RequiresEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracingConfig{ServiceName: "segmentd"})

	require.Error(t, err)
	assert.Nil(t, shutdown)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestTracerIsAvailableWithoutInit(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, span)
}
