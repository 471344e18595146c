package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder is a Telemetry whose spans and metrics stay in memory.
type Recorder struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewRecorder returns an enabled Telemetry backed by in-memory exporters.
func NewRecorder() *Recorder {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	t := &Telemetry{
		config:         cfg,
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	t.healthy.Store(true)
	return &Recorder{Telemetry: t, spans: spans, reader: reader}
}

// Span returns the first ended span called name.
func (r *Recorder) Span(name string) (sdktrace.ReadOnlySpan, bool) {
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// RequireSpan fails tb unless a span called name ended with every attr.
func (r *Recorder) RequireSpan(tb testing.TB, name string, attrs ...attribute.KeyValue) sdktrace.ReadOnlySpan {
	tb.Helper()
	span, ok := r.Span(name)
	if !ok {
		var seen []string
		for _, s := range r.spans.Ended() {
			seen = append(seen, s.Name())
		}
		tb.Fatalf("span %q not recorded; have %v", name, seen)
	}
	have := make(map[attribute.Key]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		have[kv.Key] = kv.Value
	}
	for _, want := range attrs {
		got, ok := have[want.Key]
		if !ok || got != want.Value {
			tb.Errorf("span %q attribute %s = %v, want %v", name, want.Key, got.Emit(), want.Value.Emit())
		}
	}
	return span
}

// Counter collects metrics and returns the summed value of the int64
// counter called name, across all attribute sets.
func (r *Recorder) Counter(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
