// Package telemetry provides logging, tracing and metrics for strata.
//
// Structured logging uses zerolog. Component loggers carry run, partition and
// target fields:
//
//	logger := tel.Logger.NewComponentLogger("sampler").WithRunID(runID)
//	logger.WithPartition(key.String()).Warn("partition shortfall")
//
// Tracing uses OpenTelemetry with otlp (gRPC), stdout or no exporter. A run
// produces one root span, one span per phase and one span per partition:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "tickets", "stage")
//	defer span.End()
//
// Metrics are Prometheus collectors on a private registry, served by
// StartMetricsServer when enabled. Every recorder is a no-op on a disabled
// or nil *Metrics, so callers never need to guard them.
package telemetry
