package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/ghostvoice/internal/observe"
)

// startCorrelator runs c until the test ends.
func startCorrelator(t *testing.T, c *Correlator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func flush(t *testing.T, c *Correlator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestStartSession_GeneratesTraceID(t *testing.T) {
	t.Parallel()

	c := New()
	ctx, traceID := c.StartSession(context.Background(), "call-1")
	if len(traceID) != 32 {
		t.Fatalf("traceID = %q, want 32 hex chars", traceID)
	}
	if got := observe.CorrelationID(ctx); got != traceID {
		t.Errorf("context trace = %q, want %q", got, traceID)
	}
	b, ok := c.Breakdown(traceID)
	if !ok || b.CallID != "call-1" {
		t.Errorf("Breakdown = %+v, %v", b, ok)
	}
}

func TestStartSession_ReusesSpanTrace(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()

	c := New()
	_, traceID := c.StartSession(ctx, "call-2")
	if want := span.SpanContext().TraceID().String(); traceID != want {
		t.Errorf("traceID = %q, want span trace %q", traceID, want)
	}
}

func TestBreakdown_StageLatencies(t *testing.T) {
	t.Parallel()

	c := New()
	startCorrelator(t, c)
	_, traceID := c.StartSession(context.Background(), "call-1")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	u0 := UnitID(traceID, 1, 0)
	u1 := UnitID(traceID, 1, 1)
	events := []Event{
		{TraceID: traceID, UnitID: u0, Stage: StageSegmented, At: at(0)},
		{TraceID: traceID, UnitID: u0, Stage: StageSafety, Verdict: "MASKED", At: at(1)},
		{TraceID: traceID, UnitID: u0, Stage: StageQueued, At: at(1)},
		{TraceID: traceID, UnitID: u0, Stage: StageDispatched, At: at(2)},
		{TraceID: traceID, UnitID: u0, Stage: StageDelivered, At: at(202)},
		{TraceID: traceID, UnitID: u1, Stage: StageSegmented, At: at(0)},
		{TraceID: traceID, UnitID: u1, Stage: StageSafety, Verdict: "ALLOW", At: at(3)},
		{TraceID: traceID, UnitID: u1, Stage: StageCancelled, At: at(50)},
	}
	for _, e := range events {
		if !c.Record(e) {
			t.Fatal("event dropped")
		}
	}
	flush(t, c)

	b, ok := c.Breakdown(traceID)
	if !ok {
		t.Fatal("trace not found")
	}
	if b.Units != 2 {
		t.Errorf("Units = %d, want 2", b.Units)
	}

	tests := []struct {
		stage Stage
		count int
		total time.Duration
		max   time.Duration
	}{
		{StageSafety, 2, 4 * time.Millisecond, 3 * time.Millisecond},
		{StageQueued, 1, 0, 0},
		{StageDispatched, 1, time.Millisecond, time.Millisecond},
		{StageDelivered, 1, 200 * time.Millisecond, 200 * time.Millisecond},
		{StageCancelled, 1, 47 * time.Millisecond, 47 * time.Millisecond},
	}
	for _, tt := range tests {
		got := b.Stages[tt.stage]
		if got.Count != tt.count || got.Total != tt.total || got.Max != tt.max {
			t.Errorf("stage %s = %+v, want count=%d total=%v max=%v", tt.stage, got, tt.count, tt.total, tt.max)
		}
	}
	if got := b.Stages[StageSafety].Mean(); got != 2*time.Millisecond {
		t.Errorf("safety mean = %v, want 2ms", got)
	}
	if b.Verdicts["MASKED"] != 1 || b.Verdicts["ALLOW"] != 1 {
		t.Errorf("trace verdicts = %v", b.Verdicts)
	}
	if !b.LastEvent.Equal(at(202)) {
		t.Errorf("LastEvent = %v", b.LastEvent)
	}
}

func TestRecord_DropsWhenFull(t *testing.T) {
	t.Parallel()

	c := New(WithBuffer(2))
	// Run is not started so the buffer never drains.
	for range 5 {
		c.Record(Event{TraceID: "t", UnitID: "u", Stage: StageQueued})
	}
	if got := c.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestRecord_NeverBlocks(t *testing.T) {
	t.Parallel()

	c := New(WithBuffer(1))
	done := make(chan struct{})
	go func() {
		for range 10000 {
			c.Record(Event{TraceID: "t", UnitID: "u", Stage: StageQueued})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with no consumer")
	}
}

func TestVerdictCounts_AcrossTraces(t *testing.T) {
	t.Parallel()

	c := New()
	startCorrelator(t, c)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, traceID := c.StartSession(context.Background(), "call")
			for j := range 5 {
				v := "ALLOW"
				if j == 0 {
					v = "BLOCK"
				}
				c.Record(Event{TraceID: traceID, UnitID: UnitID(traceID, uint64(i), j), Stage: StageSafety, Verdict: v})
			}
		}()
	}
	wg.Wait()
	flush(t, c)

	got := c.VerdictCounts()
	if got["ALLOW"] != 16 || got["BLOCK"] != 4 {
		t.Errorf("VerdictCounts = %v, want ALLOW=16 BLOCK=4", got)
	}
}

func TestMaxTraces_EvictsOldest(t *testing.T) {
	t.Parallel()

	c := New(WithMaxTraces(2))
	_, first := c.StartSession(context.Background(), "a")
	_, second := c.StartSession(context.Background(), "b")
	_, third := c.StartSession(context.Background(), "c")

	if _, ok := c.Breakdown(first); ok {
		t.Error("oldest trace should be evicted")
	}
	for _, id := range []string{second, third} {
		if _, ok := c.Breakdown(id); !ok {
			t.Errorf("trace %s missing", id)
		}
	}
	if got := c.Traces(); len(got) != 2 || got[0] != second {
		t.Errorf("Traces = %v", got)
	}
}

func TestUnknownTraceAggregates(t *testing.T) {
	t.Parallel()

	c := New()
	startCorrelator(t, c)
	c.Record(Event{TraceID: "external", UnitID: "u", Stage: StageSegmented})
	flush(t, c)
	if b, ok := c.Breakdown("external"); !ok || b.Units != 1 {
		t.Errorf("Breakdown = %+v, %v", b, ok)
	}
}

func TestRun_DrainsOnCancel(t *testing.T) {
	t.Parallel()

	c := New()
	for i := range 3 {
		c.Record(Event{TraceID: "t", UnitID: UnitID("t", 0, i), Stage: StageSegmented})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if b, ok := c.Breakdown("t"); !ok || b.Units != 3 {
		t.Errorf("Breakdown after drain = %+v, %v", b, ok)
	}
}

func TestMetricsExport(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	c := New(WithMetrics(m), WithBuffer(1))
	startCorrelator(t, c)
	_, traceID := c.StartSession(context.Background(), "call")
	u := UnitID(traceID, 1, 0)
	c.Record(Event{TraceID: traceID, UnitID: u, Stage: StageSegmented})
	flush(t, c)
	c.Record(Event{TraceID: traceID, UnitID: u, Stage: StageSafety, Verdict: "BLOCK"})
	flush(t, c)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			found[met.Name] = true
		}
	}
	for _, name := range []string{"ghostvoice.stage.duration", "ghostvoice.safety.verdicts"} {
		if !found[name] {
			t.Errorf("metric %q not exported", name)
		}
	}
}
