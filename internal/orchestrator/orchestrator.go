// Package orchestrator turns utterances into an ordered, cancellable stream
// of audio frames for one call.
//
// Each [Orchestrator] owns one [session.CallSession] and runs its turns on a
// single sequencer: units are segmented, screened by the Safety Gate, given
// prosody parameters and dispatched to the TTS provider through the shared
// Provider Health Governor. Up to Config.Window units may be dispatched but
// not yet delivered; audio is always emitted in unit order.
//
// A barge-in cancels the active turn and every queued turn. Once
// [Orchestrator.BargeIn] returns, the only audible frame of the cancelled
// turn that can still reach the sink is one whose Emit was already in
// progress, and its unit is reported cancelled, not delivered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/prosody"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/safety"
	"github.com/MrWong99/ghostvoice/internal/segment"
	"github.com/MrWong99/ghostvoice/internal/session"
	"github.com/MrWong99/ghostvoice/internal/telemetry"
	"github.com/MrWong99/ghostvoice/pkg/audio"
	"github.com/MrWong99/ghostvoice/pkg/provider/tts"
)

var (
	// ErrOrderingViolation is returned when a unit would be delivered out of
	// order. It is fatal to the session.
	ErrOrderingViolation = errors.New("orchestrator: ordering invariant violated")

	// ErrSessionTerminated is returned once the session was terminated by a
	// TERMINATE verdict or an invariant breach.
	ErrSessionTerminated = errors.New("orchestrator: session terminated")

	// ErrBargeIn is the cancellation cause of a turn interrupted by the
	// caller.
	ErrBargeIn = errors.New("orchestrator: barge-in")

	// ErrClosed is returned after [Orchestrator.Close].
	ErrClosed = errors.New("orchestrator: closed")

	// ErrQueueFull is returned by [Orchestrator.Submit] when the turn queue
	// is full.
	ErrQueueFull = errors.New("orchestrator: turn queue full")

	// ErrStaleUtterance is returned for an utterance whose sequence number
	// is not greater than the last spoken one.
	ErrStaleUtterance = errors.New("orchestrator: stale utterance")
)

// Invariant rule IDs used for incidents.
const (
	RuleOrdering   = "orchestrator.ordering_invariant"
	RuleTransition = "orchestrator.unit_lifecycle"
)

// BlockPolicy decides what happens to the rest of a turn after a BLOCK.
type BlockPolicy string

const (
	// BlockEndTurn stops the turn after the substituted phrase.
	BlockEndTurn BlockPolicy = "end_turn"
	// BlockSubstitute continues with the next unit.
	BlockSubstitute BlockPolicy = "substitute"
)

// Utterance is one reply handed to the orchestrator. It is not modified
// after submission.
type Utterance struct {
	Text string
	// Seq orders turns within a call. Zero assigns the next number.
	Seq uint64
	// Language declares the call language from this turn on. When empty
	// and the call has no declared language, it is detected from Text.
	Language string
	// PersonaID selects a persona other than the session's. Requires
	// Deps.Personas.
	PersonaID string
}

// IncidentRaiser accepts incident records without blocking.
type IncidentRaiser interface {
	Raise(ctx context.Context, rec incident.Record) bool
}

// Deps are the collaborators of an Orchestrator. Provider, Governor, Gate,
// Prosody, Segmenter and Sink are required.
type Deps struct {
	Provider  tts.Provider
	Governor  *resilience.Governor
	Gate      *safety.Gate
	Prosody   *prosody.Adapter
	Segmenter *segment.Segmenter
	Sink      audio.Sink

	Correlator *telemetry.Correlator
	Incidents  IncidentRaiser
	Metrics    *observe.Metrics
	Fallback   *Fallback
	Personas   *persona.Catalog

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Config holds per-session tuning.
type Config struct {
	// Window is the maximum number of units dispatched but not yet
	// delivered. Default: 3.
	Window int

	// MaxAttempts bounds provider attempts per unit. Default: 3.
	MaxAttempts int

	// TurnBudget bounds the time spent retrying within a turn. Default: 8s.
	TurnBudget time.Duration

	// AttemptTimeout bounds a single provider call. Default: 3s.
	AttemptTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the retry delays. Defaults: 100ms
	// and 1s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BlockPolicy defaults to [BlockEndTurn].
	BlockPolicy BlockPolicy

	// SampleRate of emitted PCM. Default: 16000.
	SampleRate int

	// ProviderSampleRate is the rate of the PCM the provider returns. Audio
	// is resampled to SampleRate when they differ. Default: SampleRate.
	ProviderSampleRate int

	// FallbackSilence is the length of the silence frame used when no
	// fallback clip can be rendered. Default: 300ms.
	FallbackSilence time.Duration

	// ProviderName labels metrics and voice profiles. Default: "tts".
	ProviderName string

	// QueueSize is the capacity of the [Orchestrator.Submit] queue.
	// Default: 16.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TurnBudget <= 0 {
		c.TurnBudget = 8 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Second
	}
	if c.BlockPolicy == "" {
		c.BlockPolicy = BlockEndTurn
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ProviderSampleRate <= 0 {
		c.ProviderSampleRate = c.SampleRate
	}
	if c.FallbackSilence <= 0 {
		c.FallbackSilence = 300 * time.Millisecond
	}
	if c.ProviderName == "" {
		c.ProviderName = "tts"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
}

type queuedTurn struct {
	u     Utterance
	epoch uint64
}

// Orchestrator streams the turns of one call. All exported methods are safe
// for concurrent use; turns themselves run one at a time.
type Orchestrator struct {
	sess *session.CallSession
	deps Deps
	cfg  Config

	// turnMu serialises turns: it is the session's sequencer.
	turnMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	epoch   uint64
	lastSeq uint64
	closed  bool

	queue chan queuedTurn
	done  chan struct{}

	conv *audio.FormatConverter
}

// New returns an Orchestrator for sess.
func New(sess *session.CallSession, deps Deps, cfg Config) (*Orchestrator, error) {
	var errs []error
	if sess == nil {
		errs = append(errs, errors.New("session is required"))
	}
	if deps.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if deps.Governor == nil {
		errs = append(errs, errors.New("governor is required"))
	}
	if deps.Gate == nil {
		errs = append(errs, errors.New("safety gate is required"))
	}
	if deps.Prosody == nil {
		errs = append(errs, errors.New("prosody adapter is required"))
	}
	if deps.Segmenter == nil {
		errs = append(errs, errors.New("segmenter is required"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if cfg.BlockPolicy != "" && cfg.BlockPolicy != BlockEndTurn && cfg.BlockPolicy != BlockSubstitute {
		errs = append(errs, fmt.Errorf("unknown block policy %q", cfg.BlockPolicy))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	cfg.applyDefaults()
	if deps.Fallback == nil {
		deps.Fallback = NewFallback(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Orchestrator{
		sess:  sess,
		deps:  deps,
		cfg:   cfg,
		queue: make(chan queuedTurn, cfg.QueueSize),
		done:  make(chan struct{}),
		conv:  &audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate}},
	}, nil
}

// Session returns the call session.
func (o *Orchestrator) Session() *session.CallSession { return o.sess }

// Speak runs one turn and blocks until its end-of-turn marker was emitted.
// It returns an error wrapping [ErrBargeIn] when the turn was interrupted
// and [ErrSessionTerminated] when the turn ended the session.
func (o *Orchestrator) Speak(ctx context.Context, u Utterance) (*TurnReport, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.sess.Terminated() {
		o.mu.Unlock()
		return nil, ErrSessionTerminated
	}
	if u.Seq == 0 {
		u.Seq = o.lastSeq + 1
	} else if u.Seq <= o.lastSeq {
		last := o.lastSeq
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: seq %d after %d", ErrStaleUtterance, u.Seq, last)
	}
	o.lastSeq = u.Seq
	tctx, cancel := context.WithCancelCause(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel(nil)
	}()

	p, err := o.resolvePersona(u.PersonaID)
	if err != nil {
		return nil, err
	}
	if u.Language != "" {
		o.sess.SetLanguage(u.Language)
	} else if !o.sess.LanguageDeclared() {
		o.detectLanguage(ctx, u.Text)
	}

	t := newTurn(o, tctx, cancel, ctx, u, p)
	return t.run()
}

// detectLanguage switches an undeclared call language to the one text is
// written in.
func (o *Orchestrator) detectLanguage(ctx context.Context, text string) {
	lang, confidence := segment.DetectLanguage(text)
	if lang == "" || lang == segment.PrimaryLanguage(o.sess.Language()) {
		return
	}
	if o.sess.DetectedLanguage(lang) {
		observe.Logger(observe.WithCallID(ctx, o.sess.ID())).Info("call language detected",
			"language", lang,
			"confidence", confidence,
		)
	}
}

func (o *Orchestrator) resolvePersona(id string) (persona.Persona, error) {
	p := o.sess.Persona()
	if id == "" || id == p.ID {
		return p, nil
	}
	if o.deps.Personas == nil {
		return persona.Persona{}, fmt.Errorf("orchestrator: %w: %q", persona.ErrUnknownPersona, id)
	}
	p, err := o.deps.Personas.Lookup(id)
	if err != nil {
		return persona.Persona{}, fmt.Errorf("orchestrator: %w", err)
	}
	return p, nil
}

// Submit queues u for [Orchestrator.Run]. It never blocks.
func (o *Orchestrator) Submit(u Utterance) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.sess.Terminated() {
		return ErrSessionTerminated
	}
	select {
	case o.queue <- queuedTurn{u: u, epoch: o.epoch}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run speaks queued utterances in submission order until ctx is done, the
// orchestrator is closed or the session is terminated. Turns queued before a
// barge-in are dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := observe.Logger(observe.WithCallID(ctx, o.sess.ID()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case qt := <-o.queue:
			o.mu.Lock()
			stale := qt.epoch != o.epoch
			o.mu.Unlock()
			if stale {
				log.Debug("dropping turn queued before barge-in", "seq", qt.u.Seq)
				continue
			}
			_, err := o.Speak(ctx, qt.u)
			switch {
			case err == nil, errors.Is(err, ErrBargeIn), errors.Is(err, ErrStaleUtterance):
				if err != nil {
					log.Debug("turn ended early", "seq", qt.u.Seq, "err", err)
				}
			case errors.Is(err, ErrSessionTerminated), errors.Is(err, ErrClosed):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				log.Error("turn failed", "seq", qt.u.Seq, "err", err)
			}
		}
	}
}

// BargeIn cancels the active turn and drops queued turns. It reports
// whether a turn was active.
func (o *Orchestrator) BargeIn() bool {
	return o.interrupt(ErrBargeIn)
}

func (o *Orchestrator) interrupt(cause error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.epoch++
	if o.cancel == nil {
		return false
	}
	o.cancel(cause)
	o.cancel = nil
	if cause == ErrBargeIn && o.deps.Metrics != nil {
		o.deps.Metrics.BargeIns.Add(context.Background(), 1)
	}
	return true
}

// Close cancels any active turn, stops [Orchestrator.Run] and closes the
// session. It is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()

	o.interrupt(ErrClosed)
	o.sess.Close()
	return nil
}

func (o *Orchestrator) raise(ctx context.Context, rec incident.Record) {
	if o.deps.Incidents == nil {
		observe.Logger(ctx).Warn("incident not forwarded, no collaborator configured",
			"incident_id", rec.ID, "severity", rec.Severity, "rules", rec.Rules)
		return
	}
	o.deps.Incidents.Raise(ctx, rec)
}

func (o *Orchestrator) record(e telemetry.Event) {
	if o.deps.Correlator != nil {
		o.deps.Correlator.Record(e)
	}
}
