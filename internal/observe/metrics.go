// Package observe holds the relay's telemetry: OpenTelemetry metrics and
// traces, trace-aware logging, and the HTTP middleware that ties them to
// every request.
//
// Metrics go through the OpenTelemetry API. [InitProvider] bridges them to
// Prometheus so /metrics can be scraped. [DefaultMetrics] records on the
// global provider; tests build their own with [NewMetrics] and a manual
// reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

// Metrics holds the relay's instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// ── audio path ──

	// FramesIn counts decoded inbound messages by role and kind.
	FramesIn metric.Int64Counter
	// FramesDropped counts inbound audio not echoed, by role and reason.
	FramesDropped metric.Int64Counter
	// EchoBytes counts PCM bytes forwarded on the echo path, by role.
	EchoBytes metric.Int64Counter
	// SynthesisBytes counts synthesized PCM bytes written, by role.
	SynthesisBytes metric.Int64Counter

	// ── translation ──

	Segments            metric.Int64Counter // by role and trigger (partial|final)
	Reconnects          metric.Int64Counter // recognition restarts by role
	SynthesisLatency    metric.Float64Histogram
	TranslationDuration metric.Float64Histogram

	// ── providers ──

	ProviderRequests metric.Int64Counter // by provider, kind and status
	ProviderErrors   metric.Int64Counter // by provider and kind

	// ── calls ──

	ActiveSessions metric.Int64UpDownCounter
	ActiveLegs     metric.Int64UpDownCounter

	// HTTPRequestDuration times HTTP requests by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for
// conversational turn-taking.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and keeps every creation
// error, so NewMetrics reports them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) bytes(name, desc string) metric.Int64Counter {
	return b.counter(name, desc, metric.WithUnit("By"))
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates the relay's instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		FramesIn:       b.counter("parley.frames.in", "Inbound wire messages by leg role and kind."),
		FramesDropped:  b.counter("parley.frames.dropped", "Inbound audio chunks not echoed, by leg role and reason."),
		EchoBytes:      b.bytes("parley.echo.bytes", "PCM bytes forwarded on the echo path."),
		SynthesisBytes: b.bytes("parley.synthesis.bytes", "Synthesized PCM bytes written to legs."),

		Segments:            b.counter("parley.segments", "Text segments submitted to synthesis by trigger."),
		Reconnects:          b.counter("parley.recognition.reconnects", "Recognition session restarts."),
		SynthesisLatency:    b.seconds("parley.synthesis.latency", "Time from segment submission to first synthesized audio.", latencyBuckets...),
		TranslationDuration: b.seconds("parley.translation.duration", "Latency of machine translation requests.", latencyBuckets...),

		ProviderRequests: b.counter("parley.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:   b.counter("parley.provider.errors", "Provider errors by provider and kind."),

		ActiveSessions: b.gauge("parley.active_sessions", "Paired calls being relayed."),
		ActiveLegs:     b.gauge("parley.active_legs", "Connected call legs."),

		HTTPRequestDuration: b.seconds("parley.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use. It panics if they cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordFrame counts one inbound message of the given kind.
func (m *Metrics) RecordFrame(ctx context.Context, role, kind string) {
	m.FramesIn.Add(ctx, 1, attrs(Attr("role", role), Attr("kind", kind)))
}

// RecordDrop counts one inbound audio chunk the echo path discarded.
func (m *Metrics) RecordDrop(ctx context.Context, role, reason string) {
	m.FramesDropped.Add(ctx, 1, attrs(Attr("role", role), Attr("reason", reason)))
}

// RecordEchoBytes adds n forwarded echo bytes.
func (m *Metrics) RecordEchoBytes(ctx context.Context, role string, n int) {
	m.EchoBytes.Add(ctx, int64(n), attrs(Attr("role", role)))
}

// RecordSynthesisBytes adds n synthesized bytes written.
func (m *Metrics) RecordSynthesisBytes(ctx context.Context, role string, n int) {
	m.SynthesisBytes.Add(ctx, int64(n), attrs(Attr("role", role)))
}

// RecordSegment counts one segment submitted to synthesis.
func (m *Metrics) RecordSegment(ctx context.Context, role, trigger string) {
	m.Segments.Add(ctx, 1, attrs(Attr("role", role), Attr("trigger", trigger)))
}

// RecordReconnect counts one recognition session restart.
func (m *Metrics) RecordReconnect(ctx context.Context, role string) {
	m.Reconnects.Add(ctx, 1, attrs(Attr("role", role)))
}

// RecordSynthesisLatency observes the time to first synthesized chunk.
func (m *Metrics) RecordSynthesisLatency(ctx context.Context, role string, d time.Duration) {
	m.SynthesisLatency.Record(ctx, d.Seconds(), attrs(Attr("role", role)))
}

// RecordTranslationLatency observes one machine translation call.
func (m *Metrics) RecordTranslationLatency(ctx context.Context, provider string, d time.Duration) {
	m.TranslationDuration.Record(ctx, d.Seconds(), attrs(Attr("provider", provider)))
}

// RecordProviderRequest counts one provider call with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs(Attr("provider", provider), Attr("kind", kind)))
}
