package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// UnmatchedRoute labels requests no route accepted.
const UnmatchedRoute = "unmatched"

// quietRoutes are health checks and scrapes, logged at debug level.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// statusRecorder remembers the status written by the handler. A websocket
// upgrade shows up as 101.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap gives websocket upgrades and [http.ResponseController] access to
// the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces, measures and logs requests served by an
// [http.ServeMux].
//
// Requests are labelled with the pattern that matched them, such as
// "GET /v1/calls/{id}/stream", never with the raw path, so call and trace
// IDs stay out of metric labels. For call routes the call ID is put on the
// span and the log line instead. The incoming W3C trace context is
// continued and the trace ID is returned as X-Correlation-ID. A call stream
// is reported once, when its websocket closes.
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
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			req := r.WithContext(ctx)
			next.ServeHTTP(rec, req)
			elapsed := time.Since(start)

			// The mux stores the matched pattern and path values on req.
			route := routeOf(req)
			callID := ""
			if strings.Contains(route, "/v1/calls/{id}") {
				callID = req.PathValue("id")
			}

			span.SetName("HTTP " + route)
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(rec.status),
			)
			if callID != "" {
				span.SetAttributes(attribute.String("ghostvoice.call_id", callID))
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("route", route),
				attribute.Int("status", rec.status),
			))

			level := slog.LevelInfo
			if quietRoutes[route] {
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			}
			if callID != "" {
				attrs = append(attrs, slog.String("call_id", callID))
			}
			msg := "request completed"
			if rec.status == http.StatusSwitchingProtocols {
				msg = "stream closed"
			}
			slog.LogAttrs(ctx, level, msg, attrs...)
		})
	}
}

// routeOf returns "METHOD /pattern" for the route that served req.
func routeOf(req *http.Request) string {
	p := req.Pattern
	switch {
	case p == "":
		return UnmatchedRoute
	case strings.HasPrefix(p, "/"):
		return req.Method + " " + p
	default:
		return p
	}
}
