package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"avatarsync.stt.duration", m.STTDuration},
		{"avatarsync.llm.first_token", m.LLMFirstToken},
		{"avatarsync.tts.first_audio", m.TTSFirstAudio},
		{"avatarsync.renderer.feature_extract.duration", m.FeatureExtractDuration},
		{"avatarsync.renderer.render_frame.duration", m.RenderFrameDuration},
	}

	for _, tc := range histograms {
		ObserveSeconds(ctx, tc.h, 123*time.Millisecond)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "error")
	m.RecordProviderError(ctx, "coqui", "tts")
	m.RecordBreakerTransition(ctx, "coqui", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "avatarsync.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumFor(t, rm, "avatarsync.provider.errors", "provider", "coqui"); got != 1 {
		t.Errorf("coqui errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "avatarsync.provider.breaker_transitions", "state", "open"); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

func TestPipelineCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRecording(ctx, "started")
	m.RecordRecording(ctx, "finished")
	m.RecordRecording(ctx, "started")
	m.RecordFiller(ctx, "silence")
	m.RecordFiller(ctx, "silence")
	m.RecordFiller(ctx, "clip(2)")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "avatarsync.recordings", "status", "started"); got != 2 {
		t.Errorf("started recordings = %d, want 2", got)
	}
	if got := sumFor(t, rm, "avatarsync.audio.filler_chunks", "kind", "silence"); got != 2 {
		t.Errorf("silence filler = %d, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordSinkDepth(ctx, "s1", 7)
	m.RecordSinkDepth(ctx, "s1", 3)

	rm := collect(t, reader)

	met := findMetric(rm, "avatarsync.active_sessions")
	if met == nil {
		t.Fatal("active_sessions not found")
	}
	if sum := met.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %d, want 1", sum.DataPoints[0].Value)
	}

	met = findMetric(rm, "avatarsync.transport.sink_depth")
	if met == nil {
		t.Fatal("sink_depth not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("sink_depth is %T, want gauge", met.Data)
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 3 {
		t.Errorf("sink depth points = %+v, want last value 3", g.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "avatarsync.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
