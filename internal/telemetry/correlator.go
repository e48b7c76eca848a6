// Package telemetry correlates pipeline events of a call under one trace
// identifier and aggregates them for latency attribution.
//
// Every call session gets a trace ID at creation ([Correlator.StartSession])
// and every unit a sub-identifier ([UnitID]). Components report unit
// transitions with [Correlator.Record], which never blocks: when the buffer
// is full the event is dropped and counted. A single goroutine started with
// [Correlator.Run] folds events into per-trace stage latencies and verdict
// counts, exposed through [Correlator.Breakdown] and
// [Correlator.VerdictCounts].
package telemetry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ghostvoice/internal/observe"
)

// Stage names a unit transition.
type Stage string

const (
	StageSegmented  Stage = "segmented"
	StageSafety     Stage = "safety_checked"
	StageQueued     Stage = "queued"
	StageDispatched Stage = "dispatched"
	StageDelivered  Stage = "delivered"
	StageCancelled  Stage = "cancelled"
)

// Terminal reports whether no further events are expected for the unit.
func (s Stage) Terminal() bool {
	return s == StageDelivered || s == StageCancelled
}

const (
	defaultBuffer    = 1024
	defaultMaxTraces = 1000
)

// Event is one timestamped unit transition.
type Event struct {
	TraceID string
	UnitID  string
	Stage   Stage
	// Verdict is set on StageSafety events.
	Verdict string
	// At defaults to the time Record was called.
	At time.Time

	barrier chan struct{}
}

// StageStats aggregates the time units took to reach a stage from their
// previous one.
type StageStats struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Mean returns Total/Count, or zero.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Breakdown is the aggregated view of one trace.
type Breakdown struct {
	TraceID   string               `json:"trace_id"`
	CallID    string               `json:"call_id"`
	Started   time.Time            `json:"started"`
	LastEvent time.Time            `json:"last_event"`
	Units     int                  `json:"units"`
	Stages    map[Stage]StageStats `json:"stages"`
	Verdicts  map[string]int64     `json:"verdicts"`
}

type unitMark struct {
	stage Stage
	at    time.Time
}

type traceAgg struct {
	callID    string
	started   time.Time
	lastEvent time.Time
	seen      int
	stages    map[Stage]StageStats
	verdicts  map[string]int64
	units     map[string]unitMark
}

// Option configures a [Correlator].
type Option func(*Correlator)

// WithBuffer sets the event buffer size. Default: 1024.
func WithBuffer(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithMaxTraces bounds the number of traces retained for queries; the oldest
// is evicted first. Default: 1000.
func WithMaxTraces(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.maxTraces = n
		}
	}
}

// WithMetrics exports stage latencies, verdicts, and drops as OTel metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// Correlator collects and aggregates pipeline events. Create with [New].
type Correlator struct {
	buffer    int
	maxTraces int
	metrics   *observe.Metrics
	now       func() time.Time

	events  chan Event
	dropped atomic.Int64

	mu       sync.RWMutex
	traces   map[string]*traceAgg
	order    []string
	verdicts map[string]int64
}

// New returns a Correlator. Call [Correlator.Run] to start aggregation.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		buffer:    defaultBuffer,
		maxTraces: defaultMaxTraces,
		now:       time.Now,
		traces:    make(map[string]*traceAgg),
		verdicts:  make(map[string]int64),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan Event, c.buffer)
	return c
}

// StartSession assigns a trace ID to a call. When ctx already carries an
// OTel span its trace ID is reused; otherwise a fresh one is generated and
// attached to the returned context.
func (c *Correlator) StartSession(ctx context.Context, callID string) (context.Context, string) {
	traceID := observe.CorrelationID(ctx)
	if traceID == "" {
		traceID = observe.NewTraceID()
		ctx = observe.WithTraceID(ctx, traceID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.traces[traceID]; !ok {
		c.traces[traceID] = newTraceAgg(callID, c.now())
		c.order = append(c.order, traceID)
		c.evictLocked()
	}
	return ctx, traceID
}

// UnitID returns the sub-identifier of a unit within a trace.
func UnitID(traceID string, turn uint64, index int) string {
	return fmt.Sprintf("%s/%d/%d", traceID, turn, index)
}

// Record queues e for aggregation without blocking. It reports whether the
// event was accepted; dropped events are counted.
func (c *Correlator) Record(e Event) bool {
	if e.At.IsZero() {
		e.At = c.now()
	}
	select {
	case c.events <- e:
		return true
	default:
		c.dropped.Add(1)
		if c.metrics != nil {
			c.metrics.TelemetryDropped.Add(context.Background(), 1)
		}
		return false
	}
}

// Dropped returns the number of events dropped so far.
func (c *Correlator) Dropped() int64 {
	return c.dropped.Load()
}

// Run aggregates events until ctx is done, then folds whatever is still
// buffered and returns.
func (c *Correlator) Run(ctx context.Context) error {
	for {
		select {
		case e := <-c.events:
			c.apply(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-c.events:
					c.apply(e)
				default:
					return nil
				}
			}
		}
	}
}

// Flush blocks until every event recorded before the call has been
// aggregated, or ctx is done. Run must be active.
func (c *Correlator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.events <- Event{barrier: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Correlator) apply(e Event) {
	if e.barrier != nil {
		close(e.barrier)
		return
	}

	c.mu.Lock()
	t, ok := c.traces[e.TraceID]
	if !ok {
		// Events for sessions started elsewhere still aggregate.
		t = newTraceAgg("", e.At)
		c.traces[e.TraceID] = t
		c.order = append(c.order, e.TraceID)
		c.evictLocked()
	}
	if e.At.After(t.lastEvent) {
		t.lastEvent = e.At
	}

	var elapsed time.Duration
	timed := false
	if prev, ok := t.units[e.UnitID]; ok {
		elapsed = max(e.At.Sub(prev.at), 0)
		timed = true
	} else {
		t.seen++
	}
	if timed {
		st := t.stages[e.Stage]
		st.Count++
		st.Total += elapsed
		st.Max = max(st.Max, elapsed)
		t.stages[e.Stage] = st
	}
	if e.Stage.Terminal() {
		delete(t.units, e.UnitID)
	} else {
		t.units[e.UnitID] = unitMark{stage: e.Stage, at: e.At}
	}
	if e.Verdict != "" {
		t.verdicts[e.Verdict]++
		c.verdicts[e.Verdict]++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		ctx := context.Background()
		if timed {
			c.metrics.RecordStage(ctx, string(e.Stage), elapsed.Seconds())
		}
		if e.Verdict != "" {
			c.metrics.RecordVerdict(ctx, e.Verdict)
		}
	}
}

// evictLocked drops the oldest traces beyond maxTraces. c.mu must be held.
func (c *Correlator) evictLocked() {
	for len(c.order) > c.maxTraces {
		delete(c.traces, c.order[0])
		c.order = c.order[1:]
	}
}

// Breakdown returns the aggregated latency view of a trace.
func (c *Correlator) Breakdown(traceID string) (Breakdown, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.traces[traceID]
	if !ok {
		return Breakdown{}, false
	}
	return Breakdown{
		TraceID:   traceID,
		CallID:    t.callID,
		Started:   t.started,
		LastEvent: t.lastEvent,
		Units:     t.seen,
		Stages:    maps.Clone(t.stages),
		Verdicts:  maps.Clone(t.verdicts),
	}, true
}

// VerdictCounts returns the number of verdicts of each type recorded across
// all traces since start, including evicted ones.
func (c *Correlator) VerdictCounts() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.verdicts)
}

// Traces returns the IDs of the retained traces, oldest first.
func (c *Correlator) Traces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func newTraceAgg(callID string, at time.Time) *traceAgg {
	return &traceAgg{
		callID:    callID,
		started:   at,
		lastEvent: at,
		stages:    make(map[Stage]StageStats),
		verdicts:  make(map[string]int64),
		units:     make(map[string]unitMark),
	}
}
