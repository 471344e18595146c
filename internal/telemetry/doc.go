// Package telemetry wires OpenTelemetry tracing and metrics for the gateway.
//
// New builds OTLP trace and metric pipelines from configuration and installs
// them as the global providers. When telemetry is disabled, or an exporter
// cannot be built, Tracer and Meter fall back to the global no-op providers
// and the instance reports itself degraded instead of failing startup.
//
// Tests use NewRecorder, which keeps spans and metrics in memory:
//
//	rec := telemetry.NewRecorder()
//	_, span := rec.Tracer("test").Start(ctx, "mcp tools/call")
//	span.End()
//	rec.RequireSpan(t, "mcp tools/call")
package telemetry
