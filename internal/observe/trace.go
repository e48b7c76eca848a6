package observe

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Every call runs under one trace. Its hex trace ID is the correlation ID
// shared by log lines, spans, telemetry events and incident records.

const tracerName = "github.com/MrWong99/ghostvoice"

type callIDKey struct{}

// Tracer returns the GhostVoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when ctx
// carries none.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithCallID tags ctx with the call it serves.
func WithCallID(ctx context.Context, callID string) context.Context {
	if callID == "" {
		return ctx
	}
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallID returns the call ID set by [WithCallID], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Logger returns the default logger with call_id, trace_id and span_id
// attached, each only when ctx carries it.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, slog.String("call_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
		if sc.HasSpanID() {
			attrs = append(attrs, slog.String("span_id", sc.SpanID().String()))
		}
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}

// WithTraceID continues the call trace traceID in ctx: spans started from
// the result become children of a sampled remote parent in that trace. Turn
// goroutines outlive the request that opened the call and use it to stay in
// the call's trace. An ID that is not 32 hex characters leaves ctx as is.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx
	}
	u := uuid.New()
	var sid trace.SpanID
	copy(sid[:], u[:len(sid)])
	return trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
}

// NewTraceID returns a random trace ID for a call opened without an active
// span.
func NewTraceID() string {
	u := uuid.New()
	var tid trace.TraceID
	copy(tid[:], u[:])
	return tid.String()
}
