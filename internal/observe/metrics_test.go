package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// hasAttr reports whether set carries key with the string value want.
func hasAttr(set *attribute.Set, key, want string) bool {
	v, ok := set.Value(attribute.Key(key))
	return ok && v.Emit() == want
}

// sumFor returns the value of the int sum data point carrying key=value,
// or -1 when there is none.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, not an int sum", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if key == "" || hasAttr(&dp.Attributes, key, value) {
			return dp.Value
		}
	}
	return -1
}

// histogramFor returns the data point of a float histogram carrying
// key=value. An empty key matches the first point.
func histogramFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is %T, not a histogram", name, met.Data)
	}
	for _, dp := range hist.DataPoints {
		if key == "" || hasAttr(&dp.Attributes, key, value) {
			return dp
		}
	}
	t.Fatalf("metric %q has no point with %s=%s", name, key, value)
	return metricdata.HistogramDataPoint[float64]{}
}

func TestRecorders(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, "caller", "audio")
	m.RecordFrame(ctx, "caller", "audio")
	m.RecordFrame(ctx, "caller", "silence")
	m.RecordDrop(ctx, "agent", "synthesis")
	m.RecordDrop(ctx, "agent", "pacing")
	m.RecordDrop(ctx, "agent", "pacing")
	m.RecordEchoBytes(ctx, "caller", 640)
	m.RecordEchoBytes(ctx, "caller", 320)
	m.RecordSynthesisBytes(ctx, "agent", 4096)
	m.RecordSegment(ctx, "caller", "partial")
	m.RecordSegment(ctx, "caller", "final")
	m.RecordReconnect(ctx, "agent")
	m.RecordProviderRequest(ctx, "openai", "mt", "ok")
	m.RecordProviderRequest(ctx, "openai", "mt", "ok")
	m.RecordProviderRequest(ctx, "openai", "mt", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.ActiveSessions.Add(ctx, 2)
	m.ActiveLegs.Add(ctx, 4)
	m.ActiveLegs.Add(ctx, -1)

	rm := collect(t, reader)
	for _, tc := range []struct {
		name, key, value string
		want             int64
	}{
		{"parley.frames.in", "kind", "audio", 2},
		{"parley.frames.in", "kind", "silence", 1},
		{"parley.frames.dropped", "reason", "pacing", 2},
		{"parley.frames.dropped", "reason", "synthesis", 1},
		{"parley.echo.bytes", "role", "caller", 960},
		{"parley.synthesis.bytes", "role", "agent", 4096},
		{"parley.segments", "trigger", "partial", 1},
		{"parley.segments", "trigger", "final", 1},
		{"parley.recognition.reconnects", "role", "agent", 1},
		{"parley.provider.requests", "status", "ok", 2},
		{"parley.provider.requests", "status", "error", 1},
		{"parley.provider.errors", "provider", "elevenlabs", 1},
		{"parley.active_sessions", "", "", 2},
		{"parley.active_legs", "", "", 3},
	} {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := sumFor(t, rm, tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLatencyRecorders(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSynthesisLatency(ctx, "caller", 250*time.Millisecond)
	m.RecordSynthesisLatency(ctx, "caller", 750*time.Millisecond)
	m.RecordTranslationLatency(ctx, "deepl", 100*time.Millisecond)

	rm := collect(t, reader)
	syn := histogramFor(t, rm, "parley.synthesis.latency", "role", "caller")
	if syn.Count != 2 || syn.Sum != 1.0 {
		t.Errorf("synthesis latency count=%d sum=%v, want 2 and 1.0", syn.Count, syn.Sum)
	}
	if len(syn.Bounds) != len(latencyBuckets) {
		t.Errorf("bounds = %v, want %v", syn.Bounds, latencyBuckets)
	}
	if mt := histogramFor(t, rm, "parley.translation.duration", "provider", "deepl"); mt.Count != 1 {
		t.Errorf("translation count = %d, want 1", mt.Count)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
