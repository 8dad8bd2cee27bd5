// Package metrics provides OpenTelemetry instrumentation for plan execution.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/harrison/coordinator/internal/executor"
)

// Metrics records coordinator counters and histograms. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Counters
	stepsExecuted   metric.Int64Counter
	stepsFailed     metric.Int64Counter
	retries         metric.Int64Counter
	planVersions    metric.Int64Counter
	escalations     metric.Int64Counter
	compensations   metric.Int64Counter
	retrospects     metric.Int64Counter
	artifactsStored metric.Int64Counter

	// Histograms
	stepDuration metric.Float64Histogram
	stepCost     metric.Float64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.stepsExecuted, err = meter.Int64Counter(
		"coordinator.steps.executed",
		metric.WithDescription("Steps that completed and materialized an artifact"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepsFailed, err = meter.Int64Counter(
		"coordinator.steps.failed",
		metric.WithDescription("Step failures that reached the decision tree, by kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	m.retries, err = meter.Int64Counter(
		"coordinator.retries",
		metric.WithDescription("In-step retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.planVersions, err = meter.Int64Counter(
		"coordinator.plan.versions",
		metric.WithDescription("Plan versions produced by alternates, replans and replays"),
		metric.WithUnit("{version}"),
	)
	if err != nil {
		return nil, err
	}

	m.escalations, err = meter.Int64Counter(
		"coordinator.escalations",
		metric.WithDescription("Escalation events emitted, by severity"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.compensations, err = meter.Int64Counter(
		"coordinator.compensations",
		metric.WithDescription("Compensation actions, by outcome"),
		metric.WithUnit("{compensation}"),
	)
	if err != nil {
		return nil, err
	}

	m.retrospects, err = meter.Int64Counter(
		"coordinator.retrospects",
		metric.WithDescription("Retrospect jobs resolved, by status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.artifactsStored, err = meter.Int64Counter(
		"coordinator.artifacts.stored",
		metric.WithDescription("Artifacts materialized in the store"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"coordinator.step.duration",
		metric.WithDescription("Wall-clock duration of a step task including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	m.stepCost, err = meter.Float64Histogram(
		"coordinator.step.cost",
		metric.WithDescription("Cost charged per step task"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordStepExecuted records a completed step.
func (m *Metrics) RecordStepExecuted(ctx context.Context, capability string, duration time.Duration, costUSD float64) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("capability", capability))
	m.stepsExecuted.Add(ctx, 1, attrs)
	m.artifactsStored.Add(ctx, 1)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
	m.stepCost.Record(ctx, costUSD, attrs)
}

// RecordStepFailed records a failure of the given kind.
// Step ids are omitted to keep cardinality bounded.
func (m *Metrics) RecordStepFailed(ctx context.Context, kind string, duration time.Duration, costUSD float64) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.stepsFailed.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
	if costUSD > 0 {
		m.stepCost.Record(ctx, costUSD, attrs)
	}
}

// RecordRetries records in-step retries.
func (m *Metrics) RecordRetries(ctx context.Context, n int) {
	if m == nil || !m.initialized || n <= 0 {
		return
	}
	m.retries.Add(ctx, int64(n))
}

// RecordPlanVersion records a new plan version with its cause
// (alternate, replan or replay).
func (m *Metrics) RecordPlanVersion(ctx context.Context, cause string) {
	if m == nil || !m.initialized {
		return
	}
	m.planVersions.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordEscalation records an emitted escalation.
func (m *Metrics) RecordEscalation(ctx context.Context, severity string) {
	if m == nil || !m.initialized {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordCompensation records a compensation outcome: success, skipped or failed.
func (m *Metrics) RecordCompensation(ctx context.Context, outcome string) {
	if m == nil || !m.initialized {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetrospect records a resolved retrospect job.
func (m *Metrics) RecordRetrospect(ctx context.Context, status string) {
	if m == nil || !m.initialized {
		return
	}
	m.retrospects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Tracer returns the coordinator tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartStepSpan starts a span for one step task.
func StartStepSpan(ctx context.Context, planID string, version int, stepID, capability string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step "+stepID, trace.WithAttributes(
		attribute.String("coordinator.plan_id", planID),
		attribute.Int("coordinator.plan_version", version),
		attribute.String("coordinator.step_id", stepID),
		attribute.String("coordinator.capability", capability),
	))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
