package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const callTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)
	spanCtx, span := StartSpan(context.Background(), "call")
	defer span.End()

	tests := []struct {
		name string
		ctx  context.Context
		want func(string) bool
	}{
		{"no span", context.Background(), func(s string) bool { return s == "" }},
		{"active span", spanCtx, func(s string) bool {
			_, err := trace.TraceIDFromHex(s)
			return err == nil
		}},
		{"continued call", WithTraceID(context.Background(), callTrace), func(s string) bool { return s == callTrace }},
		{"invalid call trace", WithTraceID(context.Background(), "call-1"), func(s string) bool { return s == "" }},
	}
	for _, tt := range tests {
		if got := CorrelationID(tt.ctx); !tt.want(got) {
			t.Errorf("%s: CorrelationID = %q", tt.name, got)
		}
	}
}

func TestCallID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := CallID(ctx); got != "" {
		t.Errorf("CallID(background) = %q", got)
	}
	if WithCallID(ctx, "") != ctx {
		t.Error("empty call id should leave ctx unchanged")
	}
	ctx = WithCallID(ctx, "call-7")
	if got := CallID(ctx); got != "call-7" {
		t.Errorf("CallID = %q, want call-7", got)
	}
	if got := CallID(WithCallID(ctx, "call-8")); got != "call-8" {
		t.Errorf("inner call id = %q, want call-8", got)
	}
}

func TestLogger_AttachesCallAndTrace(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			ctx:     context.Background(),
			notWant: []string{"call_id=", "trace_id=", "span_id="},
		},
		{
			name:    "call only",
			ctx:     WithCallID(context.Background(), "call-1"),
			want:    []string{"call_id=call-1"},
			notWant: []string{"trace_id="},
		},
		{
			name: "call in its trace",
			ctx:  WithTraceID(WithCallID(context.Background(), "call-1"), callTrace),
			want: []string{"call_id=call-1", "trace_id=" + callTrace, "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("turn finished")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}

func TestWithTraceID_TurnSpansJoinCallTrace(t *testing.T) {
	exp := useTracer(t)

	ctx := WithTraceID(context.Background(), callTrace)
	for _, name := range []string{"turn 1", "turn 2"} {
		_, span := StartSpan(ctx, name)
		span.End()
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for _, s := range spans {
		if got := s.SpanContext.TraceID().String(); got != callTrace {
			t.Errorf("%s trace = %s, want %s", s.Name, got, callTrace)
		}
		if !s.Parent.IsRemote() {
			t.Errorf("%s parent should be the remote call context", s.Name)
		}
	}
	if spans[0].SpanContext.SpanID() == spans[1].SpanContext.SpanID() {
		t.Error("turn spans share a span ID")
	}
}

func TestNewTraceID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool, 100)
	for range 100 {
		id := NewTraceID()
		if _, err := trace.TraceIDFromHex(id); err != nil {
			t.Fatalf("NewTraceID = %q: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate trace id %s", id)
		}
		seen[id] = true
	}
}
