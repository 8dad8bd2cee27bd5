package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.True(t, m.initialized)
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordStepExecuted(ctx, "loader", 150*time.Millisecond, 0.25)
	m.RecordStepExecuted(ctx, "joiner", time.Second, 0.5)
	m.RecordStepFailed(ctx, "ExecutionFailure", time.Second, 0)
	m.RecordRetries(ctx, 2)
	m.RecordRetries(ctx, 0)
	m.RecordPlanVersion(ctx, "replay")
	m.RecordEscalation(ctx, "S2")
	m.RecordCompensation(ctx, "success")
	m.RecordRetrospect(ctx, "fail")

	got := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"coordinator.steps.executed", 2},
		{"coordinator.steps.failed", 1},
		{"coordinator.retries", 2},
		{"coordinator.plan.versions", 1},
		{"coordinator.escalations", 1},
		{"coordinator.compensations", 1},
		{"coordinator.retrospects", 1},
		{"coordinator.artifacts.stored", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := got[tt.name]
			require.True(t, ok, "missing metric %s", tt.name)
			assert.Equal(t, tt.want, sumInt(t, m))
		})
	}

	hist, ok := got["coordinator.step.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordStepExecuted(ctx, "x", time.Second, 1)
		m.RecordStepFailed(ctx, "x", time.Second, 1)
		m.RecordRetries(ctx, 1)
		m.RecordPlanVersion(ctx, "x")
		m.RecordEscalation(ctx, "S1")
		m.RecordCompensation(ctx, "failed")
		m.RecordRetrospect(ctx, "ok")
	})
}

func TestStartStepSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(sdktrace.NewTracerProvider())

	_, ok := StartStepSpan(context.Background(), "diamond", 2, "join", "joiner")
	EndSpan(ok, nil)
	_, failed := StartStepSpan(context.Background(), "diamond", 2, "publish", "publisher")
	EndSpan(failed, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "step join", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Len(t, spans[1].Events(), 1)
}
