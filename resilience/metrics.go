package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for mangaflow metrics
const meterName = "github.com/sicko7947/mangaflow"

// Metrics records pipeline and resilience instruments. Every measurement
// carries the correlation id of the invocation when one is set.
//
// Instruments:
//   - mangaflow.stage.duration (Float64Histogram): handler time in seconds, by stage and status
//   - mangaflow.stage.executions (Int64Counter): handler runs, by stage and status
//   - mangaflow.dependency.calls (Int64Counter): guarded collaborator calls, by dependency and outcome
//   - mangaflow.retry.attempts (Int64Counter): retried attempts, by operation
//   - mangaflow.breaker.transitions (Int64Counter): breaker state changes, by dependency, from, to
//   - mangaflow.events.published (Int64Counter): bus publications, by detail type
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	stageDuration metric.Float64Histogram
	stageRuns     metric.Int64Counter
	depCalls      metric.Int64Counter
	retries       metric.Int64Counter
	transitions   metric.Int64Counter
	published     metric.Int64Counter
}

// NewMetrics creates instruments from the global MeterProvider
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments from the provided meter.
// On error the OTel API hands back noop instruments, so errors are ignored.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.stageDuration, _ = meter.Float64Histogram(
		"mangaflow.stage.duration",
		metric.WithDescription("Duration of stage handler execution in seconds"),
		metric.WithUnit("s"),
	)
	m.stageRuns, _ = meter.Int64Counter(
		"mangaflow.stage.executions",
		metric.WithDescription("Total number of stage handler executions"),
		metric.WithUnit("{execution}"),
	)
	m.depCalls, _ = meter.Int64Counter(
		"mangaflow.dependency.calls",
		metric.WithDescription("Calls to external collaborators through a circuit breaker"),
		metric.WithUnit("{call}"),
	)
	m.retries, _ = meter.Int64Counter(
		"mangaflow.retry.attempts",
		metric.WithDescription("Retried attempts after a retryable failure"),
		metric.WithUnit("{attempt}"),
	)
	m.transitions, _ = meter.Int64Counter(
		"mangaflow.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	m.published, _ = meter.Int64Counter(
		"mangaflow.events.published",
		metric.WithDescription("Events handed to the event bus"),
		metric.WithUnit("{event}"),
	)

	return m
}

func withCorrelation(ctx context.Context, attrs ...attribute.KeyValue) metric.MeasurementOption {
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, attribute.String("correlation_id", id))
	}
	return metric.WithAttributes(attrs...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStage records one stage handler execution
func (m *Metrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := withCorrelation(ctx,
		attribute.String("stage", stage),
		attribute.String("status", outcome(err)),
	)
	m.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.stageRuns.Add(ctx, 1, attrs)
}

// RecordDependencyCall records a call admitted, rejected or failed by a breaker
func (m *Metrics) RecordDependencyCall(ctx context.Context, dependency, result string) {
	if m == nil {
		return
	}
	m.depCalls.Add(ctx, 1, withCorrelation(ctx,
		attribute.String("dependency", dependency),
		attribute.String("outcome", result),
	))
}

// RecordRetry records one retried attempt
func (m *Metrics) RecordRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, withCorrelation(ctx, attribute.String("operation", operation)))
}

// RecordTransition records a breaker state change
func (m *Metrics) RecordTransition(ctx context.Context, dependency string, from, to State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, withCorrelation(ctx,
		attribute.String("dependency", dependency),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// RecordPublished records an event publication
func (m *Metrics) RecordPublished(ctx context.Context, detailType string, err error) {
	if m == nil {
		return
	}
	m.published.Add(ctx, 1, withCorrelation(ctx,
		attribute.String("detail_type", detailType),
		attribute.String("status", outcome(err)),
	))
}
