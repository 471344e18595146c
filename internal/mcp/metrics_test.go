package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
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

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.RecordInvocation(ctx, "echo", "http", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "echo", "socket", 50*time.Millisecond, InvalidParamsError("bad"))

	metrics := collect(t, reader)
	require.Contains(t, metrics, "mcpgateway.tool.invocations_total")
	require.Contains(t, metrics, "mcpgateway.tool.duration_seconds")
	require.Contains(t, metrics, "mcpgateway.tool.errors_total")

	assert.Equal(t, int64(2), sumInt64(t, metrics["mcpgateway.tool.invocations_total"]))
	assert.Equal(t, int64(1), sumInt64(t, metrics["mcpgateway.tool.errors_total"]))
}

func TestMetrics_ActiveRequests(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.IncrementActive(ctx, "echo")
	m.IncrementActive(ctx, "echo")
	m.DecrementActive(ctx, "echo")

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumInt64(t, metrics["mcpgateway.tool.active_requests"]))
}

func TestMetrics_RecordRequest(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.RecordRequest(ctx, "ping", "stdio", 0)
	m.RecordRequest(ctx, "", "http", ParseError)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, metrics["mcpgateway.rpc.requests_total"]))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordInvocation(ctx, "echo", "http", time.Millisecond, nil)
		m.RecordRequest(ctx, "ping", "http", 0)
		m.IncrementActive(ctx, "echo")
		m.DecrementActive(ctx, "echo")
	})
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{InvalidParamsError("x"), "invalid_params"},
		{fmt.Errorf("wrapped: %w", NewError(ServiceUnavailable, "down")), "service_unavailable"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("%w: boom", errToolPanic), "panic"},
		{errors.New("other"), "tool_execution_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err))
	}
}
