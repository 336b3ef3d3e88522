package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/avatarsync"

// sessionAttr is the span attribute carrying the avatar session id.
const sessionAttr = "avatarsync.session_id"

type sessionKey struct{}

// Tracer returns the avatarsync tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. Spans started under [ContextWithSession] carry
// the session id as an attribute. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(sessionAttr, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// ContextWithSession tags ctx, and the span active in it, with a session id.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(sessionAttr, sessionID))
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID returns the session id set by [ContextWithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
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

// Logger returns slog.Default() with trace_id, span_id and session_id added
// when ctx carries them.
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
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}

// SessionLogger is [Logger] for ctx tagged with sessionID.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ContextWithSession(ctx, sessionID))
}
