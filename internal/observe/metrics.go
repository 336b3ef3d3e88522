// Package observe provides application-wide observability primitives for
// avatarsync: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatarsync metrics.
const meterName = "github.com/MrWong99/avatarsync"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks the time from request to first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstAudio tracks the time from sentence hand-off to first audio.
	TTSFirstAudio metric.Float64Histogram

	// FeatureExtractDuration tracks renderer feature extraction per window.
	FeatureExtractDuration metric.Float64Histogram

	// RenderFrameDuration tracks renderer inference per video frame.
	RenderFrameDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChunksFlushed counts audio chunks discarded by interrupts.
	ChunksFlushed metric.Int64Counter

	// FillerChunks counts chunks synthesized because no audio was queued.
	// Use with attribute: attribute.String("kind", ...)
	FillerChunks metric.Int64Counter

	// BackpressureSleeps counts render loop pauses caused by a slow client.
	BackpressureSleeps metric.Int64Counter

	// WindowsEmitted counts feature windows handed to the render loop.
	WindowsEmitted metric.Int64Counter

	// WindowStalls counts feature windows that arrived too late.
	WindowStalls metric.Int64Counter

	// Recordings counts recordings by outcome. Use with attribute:
	//   attribute.String("status", ...)
	Recordings metric.Int64Counter

	// EventsDropped counts timeline events lost to a full buffer.
	EventsDropped metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attributes: attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live avatar sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SinkDepth reports queued video frames per session. Use with attribute:
	//   attribute.String("session_id", ...)
	SinkDepth metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// pipeline latencies, from single video frames up to whole utterances.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.04, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "avatarsync.stt.duration", "Latency of speech recognition."},
		{&met.LLMFirstToken, "avatarsync.llm.first_token", "Latency until the first streamed LLM token."},
		{&met.TTSFirstAudio, "avatarsync.tts.first_audio", "Latency until the first synthesized audio."},
		{&met.FeatureExtractDuration, "avatarsync.renderer.feature_extract.duration", "Latency of feature extraction per window."},
		{&met.RenderFrameDuration, "avatarsync.renderer.render_frame.duration", "Latency of rendering one video frame."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "avatarsync.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "avatarsync.provider.errors", "Total provider errors by provider and kind."},
		{&met.ChunksFlushed, "avatarsync.audio.chunks_flushed", "Audio chunks discarded by interrupts."},
		{&met.FillerChunks, "avatarsync.audio.filler_chunks", "Audio chunks synthesized as filler by kind."},
		{&met.BackpressureSleeps, "avatarsync.render.backpressure_sleeps", "Render loop pauses caused by a full transport queue."},
		{&met.WindowsEmitted, "avatarsync.window.emitted", "Feature windows emitted."},
		{&met.WindowStalls, "avatarsync.window.stalls", "Feature windows that took longer than their real-time budget."},
		{&met.Recordings, "avatarsync.recordings", "Recordings by status."},
		{&met.EventsDropped, "avatarsync.events.dropped", "Timeline events dropped because the buffer was full."},
		{&met.BreakerTransitions, "avatarsync.provider.breaker_transitions", "Provider circuit breaker state changes by provider and new state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("avatarsync.active_sessions",
		metric.WithDescription("Number of live avatar sessions."),
	); err != nil {
		return nil, err
	}
	if met.SinkDepth, err = m.Int64Gauge("avatarsync.transport.sink_depth",
		metric.WithDescription("Video frames queued for a session's client."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarsync.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRecording counts a recording status change.
func (m *Metrics) RecordRecording(ctx context.Context, status string) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFiller counts one filler chunk of the given kind.
func (m *Metrics) RecordFiller(ctx context.Context, kind string) {
	m.FillerChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBreakerTransition counts a provider breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordSinkDepth reports the transport queue depth of a session.
func (m *Metrics) RecordSinkDepth(ctx context.Context, sessionID string, depth int) {
	m.SinkDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("session_id", sessionID)))
}

// ObserveSeconds records d on h in seconds.
func ObserveSeconds(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	h.Record(ctx, d.Seconds())
}
