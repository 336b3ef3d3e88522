package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader is set on every response to the request's trace id.
const CorrelationHeader = "X-Correlation-ID"

// quietPaths are polled by infrastructure and logged at debug level.
var quietPaths = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// responseWriter remembers the status written by the handler. Hijack and
// Flush pass through so websocket upgrades and streamed downloads work.
type responseWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: hijack not supported")
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.status, w.upgraded = http.StatusSwitchingProtocols, true
	return conn, rw, nil
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware traces, times and logs every request.
//
// An incoming traceparent header continues the caller's trace and the trace
// id is echoed in [CorrelationHeader]. After routing, the span is renamed to
// the matched ServeMux pattern, which also labels the duration histogram so
// that per-session paths share one series. Requests routed to a
// /sessions/{id}/... pattern log the session id.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			w.Header().Set(CorrelationHeader, cid)

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			} else {
				span.SetName("HTTP " + route)
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))
			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			))

			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("route", route),
				slog.Int("status", rw.status),
				slog.Duration("duration", elapsed),
			}
			if id := r.PathValue("id"); id != "" {
				attrs = append(attrs, slog.String("session_id", id))
			}
			if rw.upgraded {
				attrs = append(attrs, slog.Bool("upgraded", true))
			}
			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}
