package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/prosody"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/safety"
	"github.com/MrWong99/ghostvoice/internal/telemetry"
	"github.com/MrWong99/ghostvoice/pkg/audio"
	"github.com/MrWong99/ghostvoice/pkg/provider/tts"
)

var (
	errTurnEnded       = errors.New("orchestrator: turn ended")
	errBudgetExhausted = errors.New("orchestrator: turn budget exhausted")
)

const endOfTurnTimeout = 2 * time.Second

// slot is one entry of the delivery queue. Synthesis slots are filled by a
// dispatch goroutine and closed via done; every other slot is ready when
// queued.
type slot struct {
	unit *Unit
	kind audio.Kind
	text string
	pcm  []byte

	// dispatched slots wait for a provider result.
	dispatched bool
	// scripted slots render a fallback phrase for an already cancelled unit.
	scripted bool

	done   chan struct{}
	result SynthesisResult
	err    error
}

func (s *slot) ready() bool {
	if !s.dispatched {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// turn is the state of one Speak call. Everything except the slot results
// is touched only by the sequencer goroutine.
type turn struct {
	o          *Orchestrator
	ctx        context.Context
	cancel     context.CancelCauseFunc
	parent     context.Context
	budget     context.Context
	stopBudget context.CancelFunc

	u       Utterance
	persona persona.Persona
	lang    string
	traceID string
	start   time.Time
	log     *slog.Logger

	units    []*Unit
	pending  []*slot
	inflight int
	skipped  int
	last     int

	degraded         atomic.Bool
	difficultiesSent bool
	fault            error

	wg sync.WaitGroup
}

func newTurn(o *Orchestrator, ctx context.Context, cancel context.CancelCauseFunc, parent context.Context, u Utterance, p persona.Persona) *turn {
	budget, stop := context.WithTimeout(ctx, o.cfg.TurnBudget)
	t := &turn{
		o:          o,
		ctx:        ctx,
		cancel:     cancel,
		parent:     parent,
		budget:     budget,
		stopBudget: stop,
		u:          u,
		persona:    p,
		lang:       o.sess.Language(),
		traceID:    o.sess.TraceID(),
		start:      o.deps.Clock(),
		last:       -1,
	}
	t.log = observe.Logger(observe.WithCallID(ctx, o.sess.ID())).With("turn", u.Seq)
	return t
}

func (t *turn) run() (*TurnReport, error) {
	if t.o.deps.Governor.State() == resilience.StateOpen {
		t.degraded.Store(true)
		t.log.Warn("provider circuit open, turn runs degraded")
	}

	reason, err := t.play()
	t.stop()

	var terr *TransitionError
	switch {
	case errors.Is(err, ErrOrderingViolation):
		err = t.breach(RuleOrdering, err)
		reason = audio.ReasonFailed
	case errors.As(err, &terr):
		err = t.breach(RuleTransition, err)
		reason = audio.ReasonFailed
	}

	t.endOfTurn(reason)
	rep := t.report(reason)
	if m := t.o.deps.Metrics; m != nil {
		m.TurnDuration.Record(t.parent, rep.Elapsed.Seconds(), metric.WithAttributes(observe.Attr("reason", reason)))
	}
	t.log.Debug("turn finished",
		"reason", reason,
		"units", len(rep.Units),
		"delivered", rep.Delivered(),
		"degraded", rep.Degraded,
		"elapsed", rep.Elapsed,
	)
	return rep, err
}

// play runs the pipeline and reports the end-of-turn reason.
func (t *turn) play() (string, error) {
	o := t.o
	var terminate error
	blocked := false

	for su, serr := range o.deps.Segmenter.Split(t.u.Text, t.lang) {
		if t.ctx.Err() != nil {
			break
		}
		u := newUnit(su.Index, su.Text)
		t.units = append(t.units, u)
		t.event(u, telemetry.StageSegmented, "")

		if serr != nil {
			t.skipped++
			t.log.Warn("skipping malformed unit", "index", su.Index, "err", serr)
			t.move(u, StateCancelled, telemetry.StageCancelled)
			continue
		}

		res := o.deps.Gate.Evaluate(su.Text, o.sess)
		u.Verdict = res.Verdict
		u.Masked = res.Text
		u.Rules = res.Rules
		t.move(u, StateSafetyChecked, telemetry.StageSafety, res.Verdict.String())
		t.observeVerdict(u, res)

		switch res.Verdict {
		case safety.Terminate:
			t.move(u, StateCancelled, telemetry.StageCancelled)
			terminate = res.Err()
		case safety.Block:
			t.move(u, StateCancelled, telemetry.StageCancelled)
			if err := t.enqueueBlocked(u); err != nil {
				return t.interrupted(err)
			}
			blocked = o.cfg.BlockPolicy == BlockEndTurn
		default:
			latency := prosody.LatencyNormal
			if o.deps.Governor.Degraded() {
				latency = prosody.LatencyDegraded
			}
			u.Params = o.deps.Prosody.Derive(u.Masked, t.persona, t.lang, latency)
			t.move(u, StateQueued, telemetry.StageQueued)
			if err := t.enqueue(u); err != nil {
				return t.interrupted(err)
			}
		}
		if t.fault != nil {
			return audio.ReasonFailed, t.fault
		}
		if err := t.deliverReady(); err != nil {
			return t.interrupted(err)
		}
		if terminate != nil || blocked {
			break
		}
	}
	if t.fault != nil {
		return audio.ReasonFailed, t.fault
	}
	if err := t.drain(); err != nil {
		return t.interrupted(err)
	}
	if t.ctx.Err() != nil {
		return t.interrupted(context.Cause(t.ctx))
	}

	switch {
	case terminate != nil:
		if err := t.closing(); err != nil {
			return t.interrupted(err)
		}
		return audio.ReasonTerminated, fmt.Errorf("%w: %w", ErrSessionTerminated, terminate)
	case blocked:
		return audio.ReasonBlocked, nil
	case t.degraded.Load():
		return audio.ReasonDegraded, nil
	default:
		return audio.ReasonComplete, nil
	}
}

// interrupted maps an error that stopped delivery to a reason.
func (t *turn) interrupted(err error) (string, error) {
	if t.ctx.Err() != nil {
		cause := context.Cause(t.ctx)
		return audio.ReasonCancelled, fmt.Errorf("orchestrator: turn %d: %w", t.u.Seq, cause)
	}
	var terr *TransitionError
	if errors.Is(err, ErrOrderingViolation) || errors.As(err, &terr) {
		return audio.ReasonFailed, err
	}
	return audio.ReasonFailed, fmt.Errorf("orchestrator: turn %d: %w", t.u.Seq, err)
}

// enqueue queues u for synthesis, first waiting for a window slot.
func (t *turn) enqueue(u *Unit) error {
	if t.degraded.Load() {
		t.move(u, StateCancelled, telemetry.StageCancelled)
		t.pending = append(t.pending, t.degradedSlot(u, u.Masked))
		return nil
	}
	for t.inflight >= t.o.cfg.Window {
		if err := t.deliverHead(); err != nil {
			return err
		}
	}
	// The head we just delivered may have opened the circuit.
	if t.degraded.Load() {
		return t.enqueue(u)
	}
	t.move(u, StateInFlight, telemetry.StageDispatched)
	s := &slot{unit: u, kind: audio.KindSpeech, text: u.Masked, dispatched: true, done: make(chan struct{})}
	t.dispatch(s, u.Params)
	t.pending = append(t.pending, s)
	return nil
}

// enqueueBlocked queues the scripted phrase that replaces a blocked unit.
func (t *turn) enqueueBlocked(u *Unit) error {
	o := t.o
	clip := o.deps.Fallback.Next(FallbackBlocked)
	u.Result.Outcome = OutcomeSubstituted
	if m := o.deps.Metrics; m != nil {
		m.RecordFallback(t.ctx, "blocked")
	}
	if len(clip.PCM) > 0 || t.degraded.Load() || clip.Text == "" {
		t.pending = append(t.pending, t.clipSlot(u, audio.KindFallback, clip))
		return nil
	}
	for t.inflight >= o.cfg.Window {
		if err := t.deliverHead(); err != nil {
			return err
		}
	}
	s := &slot{unit: u, kind: audio.KindFallback, text: clip.Text, dispatched: true, scripted: true, done: make(chan struct{})}
	p := o.deps.Prosody.Derive(clip.Text, t.persona, t.lang, prosody.LatencyNormal)
	t.dispatch(s, p)
	t.pending = append(t.pending, s)
	return nil
}

// clipSlot renders clip as a ready slot, using silence when it has no PCM.
func (t *turn) clipSlot(u *Unit, kind audio.Kind, clip Clip) *slot {
	s := &slot{unit: u, kind: kind, text: clip.Text, scripted: true}
	if len(clip.PCM) > 0 {
		s.pcm = audio.ResampleMono16(clip.PCM, clip.SampleRate, t.o.cfg.SampleRate)
	} else {
		s.pcm = audio.Silence(t.o.cfg.FallbackSilence, t.o.cfg.SampleRate)
	}
	return s
}

func (t *turn) degradedSlot(u *Unit, text string) *slot {
	u.Result.Outcome = OutcomeDegraded
	s := &slot{unit: u, kind: audio.KindTranscript, text: text, scripted: true}
	if !t.difficultiesSent {
		t.difficultiesSent = true
		clip := t.o.deps.Fallback.Next(FallbackDifficulties)
		if len(clip.PCM) > 0 {
			s.pcm = audio.ResampleMono16(clip.PCM, clip.SampleRate, t.o.cfg.SampleRate)
		}
	}
	if m := t.o.deps.Metrics; m != nil {
		m.RecordFallback(t.ctx, "degraded")
	}
	return s
}

func (t *turn) dispatch(s *slot, p prosody.Params) {
	t.inflight++
	if m := t.o.deps.Metrics; m != nil {
		m.UnitsInFlight.Add(t.ctx, 1)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(s.done)
		s.result, s.err = t.synthesize(s.text, p)
	}()
}

// deliverReady delivers head slots that are already complete.
func (t *turn) deliverReady() error {
	for len(t.pending) > 0 && t.pending[0].ready() {
		if err := t.deliverHead(); err != nil {
			return err
		}
	}
	return nil
}

// drain delivers every queued slot in order.
func (t *turn) drain() error {
	for len(t.pending) > 0 {
		if err := t.deliverHead(); err != nil {
			return err
		}
	}
	return nil
}

// deliverHead waits for the head slot and emits it.
func (t *turn) deliverHead() error {
	s := t.pending[0]
	if s.dispatched {
		select {
		case <-s.done:
		case <-t.ctx.Done():
			return context.Cause(t.ctx)
		}
	}
	if err := t.ctx.Err(); err != nil {
		return context.Cause(t.ctx)
	}
	t.pending = t.pending[1:]
	if s.dispatched {
		t.inflight--
		if m := t.o.deps.Metrics; m != nil {
			m.UnitsInFlight.Add(t.ctx, -1)
		}
	}

	idx := s.unit.Index
	if idx <= t.last {
		return fmt.Errorf("%w: unit %d after %d", ErrOrderingViolation, idx, t.last)
	}
	t.last = idx

	f := audio.Frame{Seq: idx, Kind: s.kind, Text: s.text, Data: s.pcm}
	if s.dispatched {
		f = t.settle(s, f)
	}
	if t.fault != nil {
		return t.fault
	}
	if err := t.emit(f); err != nil {
		return err
	}
	// A barge-in that lands while the sink is writing f leaves the unit
	// cancelled even though its frame may have gone out.
	if t.ctx.Err() != nil {
		if !s.unit.state.Terminal() {
			t.move(s.unit, StateCancelled, telemetry.StageCancelled)
		}
		return context.Cause(t.ctx)
	}
	if s.dispatched && !s.scripted && s.err == nil {
		t.move(s.unit, StateDelivered, telemetry.StageDelivered)
	}
	return t.fault
}

// settle turns a finished synthesis slot into the frame to emit.
func (t *turn) settle(s *slot, f audio.Frame) audio.Frame {
	u := s.unit
	if !s.scripted {
		u.Result = s.result
	}
	if s.err == nil {
		f.Data = s.result.Audio
		if !s.scripted {
			u.Result.Outcome = OutcomeSynthesized
		}
		return f
	}

	if !s.scripted {
		t.move(u, StateCancelled, telemetry.StageCancelled)
	}
	switch {
	case errors.Is(s.err, resilience.ErrCircuitOpen):
		if !t.degraded.Swap(true) {
			t.log.Warn("provider circuit opened mid-turn, switching to degraded mode", "index", u.Index)
		}
		ds := t.degradedSlot(u, s.text)
		return audio.Frame{Seq: u.Index, Kind: ds.kind, Text: ds.text, Data: ds.pcm}
	case s.scripted:
		t.log.Warn("fallback phrase could not be rendered, substituting silence", "index", u.Index, "err", s.err)
		f.Data = audio.Silence(t.o.cfg.FallbackSilence, t.o.cfg.SampleRate)
		return f
	default:
		t.log.Warn("unit synthesis failed, substituting fallback",
			"index", u.Index,
			"attempts", s.result.Attempts,
			"err", s.err,
		)
		if m := t.o.deps.Metrics; m != nil {
			m.RecordFallback(t.ctx, "provider_failure")
		}
		u.Result.Outcome = OutcomeSubstituted
		clip := t.o.deps.Fallback.Next(FallbackProvider)
		if len(clip.PCM) > 0 {
			cs := t.clipSlot(u, audio.KindFallback, clip)
			return audio.Frame{Seq: u.Index, Kind: cs.kind, Text: cs.text, Data: cs.pcm}
		}
		return audio.Frame{
			Seq:  u.Index,
			Kind: audio.KindSilence,
			Data: audio.Silence(t.o.cfg.FallbackSilence, t.o.cfg.SampleRate),
		}
	}
}

// closing emits the scripted closing statement and terminates the session.
func (t *turn) closing() error {
	o := t.o
	clip := o.deps.Fallback.Next(FallbackClosing)
	pcm := audio.ResampleMono16(clip.PCM, clip.SampleRate, o.cfg.SampleRate)
	if len(pcm) == 0 && clip.Text != "" && !t.degraded.Load() {
		p := o.deps.Prosody.Derive(clip.Text, t.persona, t.lang, prosody.LatencyNormal)
		res, err := t.synthesize(clip.Text, p)
		if err != nil {
			t.log.Warn("closing statement could not be rendered", "err", err)
		} else {
			pcm = res.Audio
		}
	}
	if m := o.deps.Metrics; m != nil {
		m.RecordFallback(t.ctx, "closing")
	}
	seq := 0
	if n := len(t.units); n > 0 {
		seq = t.units[n-1].Index
	}
	err := t.emit(audio.Frame{Seq: seq, Kind: audio.KindClosing, Text: clip.Text, Data: pcm})
	o.sess.Terminate()
	t.log.Warn("session terminated by safety verdict")
	return err
}

// synthesize renders text through the governor, retrying failed attempts
// with exponential backoff until MaxAttempts or the turn budget runs out.
func (t *turn) synthesize(text string, p prosody.Params) (SynthesisResult, error) {
	o := t.o
	voice := tts.VoiceProfile{
		ID:       t.persona.VoiceID,
		Name:     t.persona.Name,
		Provider: o.cfg.ProviderName,
		Language: t.lang,
		Settings: tts.VoiceSettings{
			Stability:       p.Stability,
			SimilarityBoost: p.SimilarityBoost,
			Style:           p.Style,
			SpeakerBoost:    p.SpeakerBoost,
			Speed:           p.Rate,
		},
	}

	var res SynthesisResult
	var lastErr error
	op := func() ([]byte, error) {
		if t.ctx.Err() != nil {
			return nil, backoff.Permanent(context.Cause(t.ctx))
		}
		if t.budget.Err() != nil {
			return nil, backoff.Permanent(errBudgetExhausted)
		}
		permit, err := o.deps.Governor.Allow()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		res.Attempts++

		actx, cancel := context.WithTimeout(t.budget, o.cfg.AttemptTimeout)
		defer cancel()
		start := time.Now()
		pcm, served, err := o.call(actx, text, voice)
		if served.After(start) {
			start = served
		}
		latency := time.Since(start)
		res.Latency = latency

		if t.ctx.Err() != nil {
			permit.Abandon()
			return nil, backoff.Permanent(context.Cause(t.ctx))
		}
		if err == nil && len(pcm) == 0 {
			err = tts.ErrEmptyAudio
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, tts.ErrProviderTimeout) {
			err = fmt.Errorf("%w: %w", tts.ErrProviderTimeout, err)
		}
		permit.Done(err, latency)
		o.observeAttempt(t.ctx, latency, err)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return pcm, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	pcm, err := backoff.Retry(t.budget, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
	)
	if err != nil {
		if t.ctx.Err() == nil && lastErr != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errBudgetExhausted)) {
			err = fmt.Errorf("%w: %w", errBudgetExhausted, lastErr)
		}
		return res, err
	}
	res.Audio = pcm
	res.Duration = audio.Duration(pcm, o.cfg.SampleRate)
	return res, nil
}

// call performs one provider request for text. It also returns when the
// provider started serving it, which is zero unless a concurrency limit
// queued the request.
func (o *Orchestrator) call(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, time.Time, error) {
	in := make(chan string, 1)
	in <- text
	close(in)
	stream, err := o.deps.Provider.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, time.Time{}, err
	}
	pcm, err := stream.Collect()
	if err != nil || o.cfg.ProviderSampleRate == o.cfg.SampleRate {
		return pcm, stream.Started, err
	}
	return o.conv.Convert(pcm, o.cfg.ProviderSampleRate), stream.Started, nil
}

// retryable reports whether another attempt may succeed. Client errors
// other than rate limiting are final.
func retryable(err error) bool {
	var perr *tts.ProviderError
	if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
		return perr.Status == http.StatusTooManyRequests || perr.Status == http.StatusRequestTimeout
	}
	return true
}

func (o *Orchestrator) observeAttempt(ctx context.Context, latency time.Duration, err error) {
	m := o.deps.Metrics
	if m == nil {
		return
	}
	provider := o.cfg.ProviderName
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, tts.ErrProviderTimeout):
		status = "timeout"
		m.RecordProviderError(ctx, provider, "timeout")
	case errors.Is(err, tts.ErrEmptyAudio):
		status = "error"
		m.RecordProviderError(ctx, provider, "empty_audio")
	default:
		status = "error"
		m.RecordProviderError(ctx, provider, "provider")
	}
	m.RecordProviderRequest(ctx, provider, status)
	m.SynthesisDuration.Record(ctx, latency.Seconds(), metric.WithAttributes(
		observe.Attr("provider", provider),
		observe.Attr("outcome", status),
	))
}

// emit hands f to the sink unless the turn was cancelled.
func (t *turn) emit(f audio.Frame) error {
	if t.ctx.Err() != nil {
		return context.Cause(t.ctx)
	}
	f.CallID = t.o.sess.ID()
	f.Turn = t.u.Seq
	f.TraceID = t.traceID
	f.SampleRate = t.o.cfg.SampleRate
	if err := t.o.deps.Sink.Emit(t.ctx, f); err != nil {
		if t.ctx.Err() != nil {
			return context.Cause(t.ctx)
		}
		return fmt.Errorf("emit unit %d: %w", f.Seq, err)
	}
	return nil
}

// endOfTurn emits the end-of-turn marker. It is sent even when the turn was
// cancelled, so it uses a context detached from the turn.
func (t *turn) endOfTurn(reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.parent), endOfTurnTimeout)
	defer cancel()
	f := audio.Frame{
		CallID:     t.o.sess.ID(),
		Turn:       t.u.Seq,
		Seq:        len(t.units),
		Kind:       audio.KindEndOfTurn,
		Reason:     reason,
		SampleRate: t.o.cfg.SampleRate,
		TraceID:    t.traceID,
	}
	if err := t.o.deps.Sink.Emit(ctx, f); err != nil {
		t.log.Warn("end-of-turn marker not delivered", "reason", reason, "err", err)
	}
}

// stop cancels outstanding dispatches, waits for their goroutines and
// cancels every unit that was not delivered.
func (t *turn) stop() {
	t.cancel(errTurnEnded)
	t.stopBudget()
	t.wg.Wait()
	for _, s := range t.pending {
		if s.dispatched {
			t.inflight--
			if m := t.o.deps.Metrics; m != nil {
				m.UnitsInFlight.Add(context.WithoutCancel(t.ctx), -1)
			}
		}
		if !s.unit.state.Terminal() {
			t.move(s.unit, StateCancelled, telemetry.StageCancelled)
		}
	}
	t.pending = nil
	// A unit interrupted while waiting for a window slot never reached
	// pending.
	for _, u := range t.units {
		if !u.state.Terminal() {
			t.move(u, StateCancelled, telemetry.StageCancelled)
		}
	}
}

// breach handles a violated pipeline invariant: the session is terminated
// and an incident raised.
func (t *turn) breach(rule string, cause error) error {
	o := t.o
	ctx := context.WithoutCancel(t.parent)
	idx := t.last
	var terr *TransitionError
	if errors.As(cause, &terr) {
		idx = terr.Index
	}
	o.sess.Terminate()
	t.log.Error("pipeline invariant violated, terminating session", "rule", rule, "err", cause)
	o.raise(ctx, incident.Invariant(incident.Unit{
		CallID:  o.sess.ID(),
		TraceID: t.traceID,
		Turn:    t.u.Seq,
		Index:   idx,
	}, rule, cause, o.deps.Clock()))
	return fmt.Errorf("%w: %w", ErrSessionTerminated, cause)
}

// move advances u and records the telemetry event. The first illegal
// transition is kept in t.fault.
func (t *turn) move(u *Unit, to State, stage telemetry.Stage, verdict ...string) {
	if err := u.advance(to); err != nil {
		if t.fault == nil {
			t.fault = err
		}
		return
	}
	v := ""
	if len(verdict) > 0 {
		v = verdict[0]
	}
	t.event(u, stage, v)
}

func (t *turn) event(u *Unit, stage telemetry.Stage, verdict string) {
	t.o.record(telemetry.Event{
		TraceID: t.traceID,
		UnitID:  telemetry.UnitID(t.traceID, t.u.Seq, u.Index),
		Stage:   stage,
		Verdict: verdict,
		At:      t.o.deps.Clock(),
	})
}

func (t *turn) observeVerdict(u *Unit, res safety.Result) {
	o := t.o
	if m := o.deps.Metrics; m != nil {
		m.SafetyDuration.Record(t.ctx, res.Elapsed.Seconds())
	}
	if res.Verdict != safety.Allow {
		t.log.Info("safety verdict",
			"index", u.Index,
			"verdict", res.Verdict.String(),
			"rules", res.Rules,
			"risk_score", o.sess.RiskScore(),
		)
	}
	if incident.Raises(res) {
		o.raise(t.ctx, incident.FromResult(incident.Unit{
			CallID:  o.sess.ID(),
			TraceID: t.traceID,
			Turn:    t.u.Seq,
			Index:   u.Index,
		}, res, o.sess.Frameworks(), o.deps.Clock()))
	}
}

func (t *turn) report(reason string) *TurnReport {
	rep := &TurnReport{
		Seq:      t.u.Seq,
		CallID:   t.o.sess.ID(),
		TraceID:  t.traceID,
		Reason:   reason,
		Degraded: t.degraded.Load(),
		Skipped:  t.skipped,
		Elapsed:  t.o.deps.Clock().Sub(t.start),
	}
	for _, u := range t.units {
		rep.Units = append(rep.Units, UnitSummary{
			Index:    u.Index,
			Text:     u.Masked,
			Verdict:  u.Verdict.String(),
			State:    u.state.String(),
			Outcome:  u.Result.Outcome.String(),
			Attempts: u.Result.Attempts,
			Rules:    u.Rules,
			Latency:  u.Result.Latency,
		})
	}
	return rep
}
