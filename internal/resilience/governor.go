// Package resilience guards the speech synthesis provider with a
// process-wide circuit breaker.
//
// The central type is [Governor], a three-state breaker (closed → open →
// half-open) shared by every call session. It trips on consecutive failures,
// on a failure ratio over a sliding window of recent calls, or when the
// smoothed provider latency exceeds a threshold. While closed it also
// reports whether the provider is merely slow ([Governor.Degraded]) so that
// callers can trade expressiveness for speed.
//
// All state lives behind a single mutex: every read observes a state that
// some sequence of completed operations produced. All types are safe for
// concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Governor.Allow] and [Governor.Execute] when
// the breaker is open and the reset timeout has not yet elapsed, or when the
// half-open trial budget is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Governor].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls. Successful trials
	// close the breaker; a failed trial re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Governor].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// after which the breaker opens. Default: 5.
	MaxFailures int

	// WindowSize is the number of most recent calls considered for the
	// failure ratio. Default: 20.
	WindowSize int

	// FailureRatio opens the breaker once the window is full and at least
	// this fraction of it failed. Zero disables the check. Default: 0.5.
	FailureRatio float64

	// OpenLatency opens the breaker when the smoothed call latency exceeds
	// it. Zero disables the check.
	OpenLatency time.Duration

	// SlowLatency marks the provider as degraded when the smoothed call
	// latency exceeds it. Default: 800ms.
	SlowLatency time.Duration

	// LatencyAlpha is the EWMA smoothing factor in (0,1]. Default: 0.2.
	LatencyAlpha float64

	// MinLatencySamples is the number of samples required before latency
	// may open the breaker or mark it degraded. Default: 5.
	MinLatencySamples int

	// ResetTimeout is how long the breaker stays open before admitting
	// trial calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls required to close the
	// breaker, and the number of trial calls admitted concurrently. Default: 1.
	HalfOpenMax int

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time
}

// Transition describes a state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Snapshot is a consistent view of the governor's state.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	WindowFailures      int
	WindowCalls         int
	LatencyEWMA         time.Duration
	Degraded            bool
	LastTransition      time.Time
}

const maxTransitionLog = 32

// Governor implements the three-state circuit breaker pattern for the
// synthesis provider.
type Governor struct {
	name         string
	maxFailures  int
	windowSize   int
	failureRatio float64
	openLatency  time.Duration
	slowLatency  time.Duration
	alpha        float64
	minSamples   int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu              sync.Mutex
	state           State
	generation      uint64
	consecutiveFail int
	window          []bool // true = failure
	windowPos       int
	windowLen       int
	ewma            float64
	samples         int
	openedAt        time.Time
	changedAt       time.Time
	trialsInFlight  int
	trialSuccesses  int
	log             []Transition
	listeners       []func(Transition)
}

// New creates a [Governor] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func New(cfg Config) *Governor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.FailureRatio < 0 {
		cfg.FailureRatio = 0
	} else if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.SlowLatency <= 0 {
		cfg.SlowLatency = 800 * time.Millisecond
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = 0.2
	}
	if cfg.MinLatencySamples <= 0 {
		cfg.MinLatencySamples = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Governor{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		windowSize:   cfg.WindowSize,
		failureRatio: cfg.FailureRatio,
		openLatency:  cfg.OpenLatency,
		slowLatency:  cfg.SlowLatency,
		alpha:        cfg.LatencyAlpha,
		minSamples:   cfg.MinLatencySamples,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Clock,
		state:        StateClosed,
		window:       make([]bool, cfg.WindowSize),
		changedAt:    cfg.Clock(),
	}
}

// OnTransition registers fn to be called after every state change. fn runs
// outside the governor's lock and may call back into the governor.
func (g *Governor) OnTransition(fn func(Transition)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Permit is an admission granted by [Governor.Allow]. Exactly one of
// [Permit.Done] or [Permit.Abandon] must be called.
type Permit struct {
	g          *Governor
	generation uint64
	trial      bool
	once       sync.Once
}

// Allow asks for permission to call the provider. It returns
// [ErrCircuitOpen] while the breaker is open, and once the half-open trial
// budget is used up.
func (g *Governor) Allow() (*Permit, error) {
	g.mu.Lock()
	var notes []Transition
	if g.state == StateOpen {
		if g.now().Sub(g.openedAt) < g.resetTimeout {
			g.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		notes = append(notes, g.transition(StateHalfOpen, "reset timeout elapsed"))
	}

	p := &Permit{g: g, generation: g.generation}
	if g.state == StateHalfOpen {
		if g.trialsInFlight+g.trialSuccesses >= g.halfOpenMax {
			listeners := g.listeners
			g.mu.Unlock()
			notify(listeners, notes)
			return nil, ErrCircuitOpen
		}
		g.trialsInFlight++
		p.trial = true
	}
	listeners := g.listeners
	g.mu.Unlock()
	notify(listeners, notes)
	return p, nil
}

// Done records the outcome of the permitted call. Errors wrapping
// [context.Canceled] are treated like [Permit.Abandon]: the caller gave up,
// the provider did not fail.
func (p *Permit) Done(err error, latency time.Duration) {
	if errors.Is(err, context.Canceled) {
		p.Abandon()
		return
	}
	p.once.Do(func() { p.g.record(p, err, latency) })
}

// Abandon releases the permit without recording an outcome.
func (p *Permit) Abandon() {
	p.once.Do(func() {
		g := p.g
		g.mu.Lock()
		defer g.mu.Unlock()
		if p.trial && p.generation == g.generation && g.trialsInFlight > 0 {
			g.trialsInFlight--
		}
	})
}

// Execute runs fn if the breaker allows it and records its outcome and
// duration.
func (g *Governor) Execute(fn func() error) error {
	p, err := g.Allow()
	if err != nil {
		return err
	}
	start := g.now()
	err = fn()
	p.Done(err, g.now().Sub(start))
	return err
}

func (g *Governor) record(p *Permit, err error, latency time.Duration) {
	g.mu.Lock()
	var notes []Transition

	if err == nil && latency > 0 {
		g.observeLatency(latency)
	}

	// Outcomes of calls admitted before the last transition no longer
	// describe the current state.
	if p.generation != g.generation {
		listeners := g.listeners
		g.mu.Unlock()
		notify(listeners, notes)
		return
	}

	switch g.state {
	case StateHalfOpen:
		g.trialsInFlight--
		if err != nil {
			notes = append(notes, g.open("trial call failed"))
			slog.Warn("circuit breaker re-opened from half-open", "name", g.name, "err", err)
			break
		}
		g.trialSuccesses++
		if g.trialSuccesses >= g.halfOpenMax {
			notes = append(notes, g.transition(StateClosed, "trial calls succeeded"))
			slog.Info("circuit breaker closed after successful trial calls", "name", g.name)
		}

	case StateClosed:
		g.push(err != nil)
		if err != nil {
			g.consecutiveFail++
		} else {
			g.consecutiveFail = 0
		}
		if reason := g.tripReason(); reason != "" {
			notes = append(notes, g.open(reason))
			slog.Warn("circuit breaker opened",
				"name", g.name,
				"reason", reason,
				"consecutive_failures", g.consecutiveFail,
				"latency_ewma", time.Duration(g.ewma))
		}
	}

	listeners := g.listeners
	g.mu.Unlock()
	notify(listeners, notes)
}

// tripReason returns why the closed breaker should open, or "". Must be
// called with g.mu held.
func (g *Governor) tripReason() string {
	if g.consecutiveFail >= g.maxFailures {
		return "consecutive failures"
	}
	if g.failureRatio > 0 && g.windowLen == g.windowSize {
		if float64(g.windowFailures()) >= g.failureRatio*float64(g.windowSize) {
			return "failure ratio"
		}
	}
	if g.openLatency > 0 && g.samples >= g.minSamples && time.Duration(g.ewma) > g.openLatency {
		return "latency"
	}
	return ""
}

func (g *Governor) observeLatency(d time.Duration) {
	if g.samples == 0 {
		g.ewma = float64(d)
	} else {
		g.ewma = g.alpha*float64(d) + (1-g.alpha)*g.ewma
	}
	g.samples++
}

func (g *Governor) push(failed bool) {
	g.window[g.windowPos] = failed
	g.windowPos = (g.windowPos + 1) % g.windowSize
	if g.windowLen < g.windowSize {
		g.windowLen++
	}
}

func (g *Governor) windowFailures() int {
	n := 0
	for i := 0; i < g.windowLen; i++ {
		if g.window[i] {
			n++
		}
	}
	return n
}

// open moves to [StateOpen]. Must be called with g.mu held.
func (g *Governor) open(reason string) Transition {
	t := g.transition(StateOpen, reason)
	g.openedAt = t.At
	return t
}

// transition changes state, resets per-state counters and appends to the
// transition log. Must be called with g.mu held.
func (g *Governor) transition(to State, reason string) Transition {
	t := Transition{From: g.state, To: to, At: g.now(), Reason: reason}
	g.state = to
	g.changedAt = t.At
	g.generation++
	g.trialsInFlight = 0
	g.trialSuccesses = 0
	if to == StateClosed {
		g.resetCounters()
	}
	g.log = append(g.log, t)
	if len(g.log) > maxTransitionLog {
		g.log = g.log[len(g.log)-maxTransitionLog:]
	}
	return t
}

func (g *Governor) resetCounters() {
	g.consecutiveFail = 0
	g.windowLen = 0
	g.windowPos = 0
	clear(g.window)
	g.ewma = 0
	g.samples = 0
}

func notify(listeners []func(Transition), notes []Transition) {
	for _, t := range notes {
		for _, fn := range listeners {
			fn(t)
		}
	}
}

// State returns the current [State]. If the breaker is open and the reset
// timeout has elapsed, the returned state is [StateHalfOpen]; the actual
// transition happens on the next [Governor.Allow].
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveState()
}

func (g *Governor) effectiveState() State {
	if g.state == StateOpen && g.now().Sub(g.openedAt) >= g.resetTimeout {
		return StateHalfOpen
	}
	return g.state
}

// Degraded reports whether the smoothed provider latency exceeds the slow
// threshold.
func (g *Governor) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded()
}

func (g *Governor) degraded() bool {
	return g.samples >= g.minSamples && time.Duration(g.ewma) > g.slowLatency
}

// Snapshot returns a consistent view of the governor.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Name:                g.name,
		State:               g.effectiveState(),
		ConsecutiveFailures: g.consecutiveFail,
		WindowFailures:      g.windowFailures(),
		WindowCalls:         g.windowLen,
		LatencyEWMA:         time.Duration(g.ewma),
		Degraded:            g.degraded(),
		LastTransition:      g.changedAt,
	}
}

// Transitions returns the most recent state changes, oldest first.
func (g *Governor) Transitions() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transition, len(g.log))
	copy(out, g.log)
	return out
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters.
func (g *Governor) Reset() {
	g.mu.Lock()
	var notes []Transition
	if g.state != StateClosed {
		notes = append(notes, g.transition(StateClosed, "manual reset"))
	} else {
		g.resetCounters()
	}
	listeners := g.listeners
	g.mu.Unlock()
	notify(listeners, notes)
	slog.Info("circuit breaker manually reset", "name", g.name)
}
