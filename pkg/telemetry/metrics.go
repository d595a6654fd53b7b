package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for assignment runs. A Metrics built from
// a disabled config, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec

	// Cell metrics
	cellsProcessed   *prometheus.CounterVec
	labelsAssigned   *prometheus.CounterVec
	shortfallRecords *prometheus.CounterVec
	claimConflicts   *prometheus.CounterVec

	// Verification metrics
	derivedMismatches *prometheus.GaugeVec
	propagatedRecords *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of assignment runs started",
			},
			[]string{"collection", "label_field", "mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of assignment runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of assignment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of run phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		cellsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_processed_total",
				Help:      "Total number of (partition, value) cells processed by result",
			},
			[]string{"label_field", "result"},
		),
		labelsAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "labels_assigned_total",
				Help:      "Total number of records labeled",
			},
			[]string{"label_field"},
		),
		shortfallRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shortfall_records_total",
				Help:      "Total number of requested labels that could not be assigned",
			},
			[]string{"label_field"},
		),
		claimConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_conflicts_total",
				Help:      "Total number of claims lost to a concurrent writer",
			},
			[]string{"label_field"},
		),

		derivedMismatches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "derived_mismatches",
				Help:      "Records whose derived field disagrees with its source at last verification",
			},
			[]string{"rule"},
		),
		propagatedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "propagated_records_total",
				Help:      "Total number of derived field writes",
			},
			[]string{"rule"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.phaseDuration,
		m.cellsProcessed,
		m.labelsAssigned,
		m.shortfallRecords,
		m.claimConflicts,
		m.derivedMismatches,
		m.propagatedRecords,
		m.errorsByClass,
		m.activeRuns,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(collection, labelField, mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(collection, labelField, mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordPhase records the time a run spent in one phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// Cell Metrics

// RecordCell records one processed cell. result is one of filled, shortfall or skipped.
func (m *Metrics) RecordCell(labelField, result string, assigned, shortfall, conflicts int64) {
	if !m.enabled() {
		return
	}
	m.cellsProcessed.WithLabelValues(labelField, result).Inc()
	m.labelsAssigned.WithLabelValues(labelField).Add(float64(assigned))
	m.shortfallRecords.WithLabelValues(labelField).Add(float64(shortfall))
	m.claimConflicts.WithLabelValues(labelField).Add(float64(conflicts))
}

// Verification Metrics

// SetDerivedMismatches records the mismatch count of a derived rule.
func (m *Metrics) SetDerivedMismatches(rule string, count int64) {
	if !m.enabled() {
		return
	}
	m.derivedMismatches.WithLabelValues(rule).Set(float64(count))
}

// RecordPropagation records derived field writes for a rule.
func (m *Metrics) RecordPropagation(rule string, records int64) {
	if !m.enabled() {
		return
	}
	m.propagatedRecords.WithLabelValues(rule).Add(float64(records))
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics until ctx is done.
// Serve errors are passed to onError.
func (m *Metrics) StartMetricsServer(ctx context.Context, onError func(error)) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
