package observe

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

// untraced paths are served without a span. Scrapers would otherwise fill
// the trace backend with noise.
var untraced = map[string]bool{"/metrics": true}

// quiet paths are logged at debug level.
var quiet = map[string]bool{"/metrics": true, "/healthz": true, "/readyz": true}

// Middleware wraps handlers with request telemetry. otelhttp starts a
// server span, continuing a W3C traceparent when the request carries one.
// Inside that span every request then
//
//   - gets its trace id echoed in the [CorrelationHeader] response header,
//   - is timed into [Metrics.HTTPRequestDuration] by method, route and status,
//   - is logged on completion.
//
// Websocket upgrades pass through: the captured status is 101 and the
// duration spans the whole call.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		observed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set(CorrelationHeader, cid)
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			}

			stats := httpsnoop.CaptureMetrics(next, w, r)

			route := routeOf(r)
			m.HTTPRequestDuration.Record(ctx, stats.Duration.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", stats.Code),
			))

			level := slog.LevelInfo
			switch {
			case stats.Code >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quiet[r.URL.Path]:
				level = slog.LevelDebug
			}
			Logger(ctx, nil).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", stats.Code),
				slog.Int64("bytes", stats.Written),
				slog.Duration("duration", stats.Duration),
			)
		})

		return otelhttp.NewHandler(observed, "parley",
			otelhttp.WithPropagators(prop),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool { return !untraced[r.URL.Path] }),
		)
	}
}

// routeOf returns the mux pattern that served r, falling back to the path
// when no pattern matched. Patterns keep leg ids out of metric labels.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}
