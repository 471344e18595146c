// Package logging provides structured logging for the gateway.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug) for frame dumps
//   - context field injection (trace_id, transport, connection.id, request.id)
//   - secret redaction at the encoder
//   - level-aware sampling (errors never sampled)
//   - an optional OpenTelemetry log bridge
//
// Loggers are passed explicitly. Adapters derive children per transport and
// per connection:
//
//	log := logger.Named("socket").With(zap.String("connection.id", id))
//	ctx = logging.WithTransport(ctx, "socket")
//	log.Info(ctx, "connection opened")
//
// The level can be changed at runtime with SetLevel; children follow.
//
// Use TestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "tool registered", zap.String("tool", "echo"))
//	tl.AssertField(t, "tool registered", "tool", "echo")
package logging
