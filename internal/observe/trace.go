package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for spans started here.
const tracerName = meterName

// Span names used across barkeep.
const (
	SpanTurn     = "voice.turn"
	SpanDispatch = "dispatch.invoke"
)

// Attribute keys set on barkeep spans.
const (
	AttrSessionID = attribute.Key("barkeep.session_id")
	AttrClientID  = attribute.Key("barkeep.client_id")
	AttrIntent    = attribute.Key("barkeep.intent")
	AttrTool      = attribute.Key("barkeep.tool")
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	clientIDKey
)

// Tracer returns the package-level [trace.Tracer] from the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the span of one command turn of sessionID. The returned
// context carries the session id, so [Logger] tags every line of the turn
// with it.
func StartTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx = WithSessionID(ctx, sessionID)
	attrs := []attribute.KeyValue{AttrSessionID.String(sessionID)}
	if id := ClientID(ctx); id != "" {
		attrs = append(attrs, AttrClientID.String(id))
	}
	return StartSpan(ctx, SpanTurn, trace.WithAttributes(attrs...))
}

// WithSessionID returns ctx tagged with a voice session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithClientID returns ctx tagged with the id of the connected client.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// SessionID returns the session id stored by [WithSessionID].
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// ClientID returns the client id stored by [WithClientID].
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with whatever identifies the work in
// ctx: trace_id and span_id of the active span, session_id and client_id.
// Absent values are omitted.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if id := ClientID(ctx); id != "" {
		attrs = append(attrs, slog.String("client_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
