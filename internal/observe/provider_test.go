package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider(t *testing.T) {
	prevMP, prevTP, prevProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSegment(context.Background(), "caller", "final")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "parley_segments_total" {
			found = true
		}
	}
	if !found {
		t.Error("parley_segments_total not exported to the registry")
	}

	ctx, span := StartSpan(context.Background(), "relay.leg")
	defer span.End()
	if !span.SpanContext().IsSampled() || CorrelationID(ctx) == "" {
		t.Error("spans should be sampled at the default ratio")
	}
	if fields := otel.GetTextMapPropagator().Fields(); len(fields) < 2 {
		t.Errorf("propagator fields = %v, want traceparent and baggage", fields)
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	t.Parallel()
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r}); err == nil {
			t.Errorf("ratio %v: want error", r)
		}
	}
}
