package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "debug").
		NewComponentLogger("sampler").
		WithRunID("run-1").
		WithPartition(`channel="Reddit"`).
		WithField("deficit", 8)

	logger.Warn("partition shortfall")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "sampler", entry["component"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, `channel="Reddit"`, entry["partition"])
	assert.Equal(t, float64(8), entry["deficit"])
	assert.Equal(t, "partition shortfall", entry["message"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "warn")
	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "info")
	got := FromContext(logger.WithContext(context.Background()))
	got.Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate(), "otlp needs an endpoint")

	cfg.Tracing.Endpoint = "localhost:4317"
	assert.NoError(t, cfg.Validate())
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordRunStarted("tickets", "stage", "fresh")
	m.RecordCell("stage", "filled", 10, 0, 0)
	m.RecordRunCompleted("completed", time.Second)

	var nilMetrics *Metrics
	nilMetrics.RecordError("connectivity")
	assert.Nil(t, nilMetrics.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "strata"})
	require.NoError(t, err)

	m.RecordRunStarted("tickets", "stage", "fresh")
	m.RecordCell("stage", "shortfall", 22, 8, 1)
	m.RecordCell("stage", "filled", 30, 0, 0)
	m.SetDerivedMismatches("priority_sentiment", 0)
	m.RecordRunCompleted("partially_completed", 2*time.Second)

	assert.Equal(t, float64(52), testutil.ToFloat64(m.labelsAssigned.WithLabelValues("stage")))
	assert.Equal(t, float64(8), testutil.ToFloat64(m.shortfallRecords.WithLabelValues("stage")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.claimConflicts.WithLabelValues("stage")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeRuns))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "strata_runs_completed_total")
}

func TestNopTracer(t *testing.T) {
	tracer := NewNopTracer()
	ctx, span := tracer.StartRunSpan(context.Background(), "run-1", "tickets", "stage")
	_, child := tracer.StartPartitionSpan(ctx, "writing", "channel=\"Reddit\"")
	EndSpan(child, nil)
	EndSpan(span, assert.AnError)
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTelemetryBundle(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))
	assert.NoError(t, tel.StartMetricsServer(ctx))
	assert.NoError(t, tel.Shutdown(ctx))
}
