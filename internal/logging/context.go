// internal/logging/context.go
package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if transport := TransportFromContext(ctx); transport != "" {
		fields = append(fields, zap.String("transport", transport))
	}
	if connID := ConnectionIDFromContext(ctx); connID != "" {
		fields = append(fields, zap.String("connection.id", connID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

type transportCtxKey struct{}
type connectionCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

// idPattern allows the characters produced by uuid and echo's request id
// generator. Client-supplied ids outside it are dropped rather than logged.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// WithTransport tags ctx with the transport name (stdio, http, socket, sse).
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportCtxKey{}, transport)
}

// TransportFromContext returns the transport name, or "".
func TransportFromContext(ctx context.Context) string {
	s, _ := ctx.Value(transportCtxKey{}).(string)
	return s
}

// WithConnectionID tags ctx with a connection id. Invalid ids leave ctx
// unchanged.
func WithConnectionID(ctx context.Context, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, connectionCtxKey{}, id)
}

// ConnectionIDFromContext returns the connection id, or "".
func ConnectionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(connectionCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with a request id. Invalid ids leave ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
