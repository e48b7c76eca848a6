package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/dnc"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
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
	// ErrCallExists is returned by [SessionManager.Open] for a call ID that
	// is already live.
	ErrCallExists = errors.New("app: call already open")

	// ErrCallNotFound is returned for unknown call IDs.
	ErrCallNotFound = errors.New("app: call not found")

	// ErrShuttingDown is returned by [SessionManager.Open] after
	// [SessionManager.CloseAll].
	ErrShuttingDown = errors.New("app: shutting down")
)

// OpenRequest describes a call to open.
type OpenRequest struct {
	CallID    string
	PersonaID string
	Language  string

	// Frameworks applies to this call. Nil uses the configured defaults.
	Frameworks []compliance.Framework

	// ConsentObtained records the caller's recording/automation consent.
	ConsentObtained bool

	// Number is the callee's phone number, checked against the do-not-call
	// registry. Empty skips the lookup.
	Number string
}

// CallInfo is the public view of a live call.
type CallInfo struct {
	CallID     string    `json:"call_id"`
	TraceID    string    `json:"trace_id"`
	Persona    string    `json:"persona"`
	Language   string    `json:"language"`
	Frameworks []string  `json:"frameworks"`
	RiskScore  int       `json:"risk_score"`
	Terminated bool      `json:"terminated"`
	StartedAt  time.Time `json:"started_at"`
}

// Call is one live call: its session, its orchestrator and the goroutine
// running submitted turns.
type Call struct {
	Session      *session.CallSession
	Orchestrator *orchestrator.Orchestrator
	StartedAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ID returns the call ID.
func (c *Call) ID() string { return c.Session.ID() }

// TraceID returns the call's correlation ID.
func (c *Call) TraceID() string { return c.Session.TraceID() }

// Done is closed once the call stops accepting turns, either because it was
// hung up or because the session was terminated.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns why the call stopped. It is nil until Done is closed and for
// calls that were hung up normally.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Info returns a snapshot of the call.
func (c *Call) Info() CallInfo {
	s := c.Session
	fws := make([]string, 0, len(s.Frameworks()))
	for _, f := range s.Frameworks() {
		fws = append(fws, string(f))
	}
	return CallInfo{
		CallID:     s.ID(),
		TraceID:    s.TraceID(),
		Persona:    s.Persona().ID,
		Language:   s.Language(),
		Frameworks: fws,
		RiskScore:  s.RiskScore(),
		Terminated: s.Terminated(),
		StartedAt:  c.StartedAt,
	}
}

// CallDeps are the process-wide collaborators shared by every call.
type CallDeps struct {
	Provider   tts.Provider
	Governor   *resilience.Governor
	Prosody    *prosody.Adapter
	Segmenter  *segment.Segmenter
	Correlator *telemetry.Correlator
	Incidents  orchestrator.IncidentRaiser
	Metrics    *observe.Metrics
	Fallback   *orchestrator.Fallback
	DNC        dnc.Registry
}

// Policy is the hot-reloadable part of call setup. A reload only affects
// calls opened afterwards.
type Policy struct {
	Catalog    *persona.Catalog
	Gate       *safety.Gate
	Frameworks []compliance.Framework
}

// SessionManager opens, tracks and closes call sessions. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	deps   CallDeps
	cfg    orchestrator.Config
	policy atomic.Pointer[Policy]

	mu       sync.Mutex
	calls    map[string]*Call
	shutdown bool
}

// NewSessionManager returns a manager that builds orchestrators with cfg.
func NewSessionManager(deps CallDeps, cfg orchestrator.Config, p Policy) *SessionManager {
	sm := &SessionManager{
		deps:  deps,
		cfg:   cfg,
		calls: make(map[string]*Call),
	}
	sm.policy.Store(&p)
	return sm
}

// SetPolicy replaces the persona catalog, safety gate and default
// frameworks used for new calls.
func (sm *SessionManager) SetPolicy(p Policy) {
	sm.policy.Store(&p)
}

// Policy returns the current policy.
func (sm *SessionManager) Policy() Policy {
	return *sm.policy.Load()
}

// Open creates a session and its orchestrator for req. Frames of the call
// are delivered to sink. ctx scopes only the setup; the call lives until
// [SessionManager.Hangup] or until its session is terminated.
func (sm *SessionManager) Open(ctx context.Context, req OpenRequest, sink audio.Sink) (*Call, error) {
	if req.CallID == "" {
		return nil, errors.New("app: call id is required")
	}
	pol := sm.policy.Load()

	p, err := pol.Catalog.Lookup(req.PersonaID)
	if err != nil {
		return nil, fmt.Errorf("app: open call %q: %w", req.CallID, err)
	}
	frameworks := req.Frameworks
	if frameworks == nil {
		frameworks = pol.Frameworks
	}

	consent := session.Consent{Obtained: req.ConsentObtained}
	if req.Number != "" && sm.deps.DNC != nil {
		listed, err := sm.deps.DNC.Listed(ctx, req.Number)
		if err != nil {
			return nil, fmt.Errorf("app: open call %q: do-not-call lookup: %w", req.CallID, err)
		}
		consent.DoNotCall = listed
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.shutdown {
		return nil, ErrShuttingDown
	}
	if _, ok := sm.calls[req.CallID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrCallExists, req.CallID)
	}

	callCtx := context.WithoutCancel(ctx)
	traceID := observe.CorrelationID(callCtx)
	if sm.deps.Correlator != nil {
		callCtx, traceID = sm.deps.Correlator.StartSession(callCtx, req.CallID)
	}
	if traceID == "" {
		traceID = observe.NewTraceID()
		callCtx = observe.WithTraceID(callCtx, traceID)
	}

	sess := session.New(session.Params{
		ID:         req.CallID,
		TraceID:    traceID,
		Persona:    p,
		Language:   req.Language,
		Frameworks: frameworks,
		Consent:    consent,
	})
	orch, err := orchestrator.New(sess, orchestrator.Deps{
		Provider:   sm.deps.Provider,
		Governor:   sm.deps.Governor,
		Gate:       pol.Gate,
		Prosody:    sm.deps.Prosody,
		Segmenter:  sm.deps.Segmenter,
		Sink:       sink,
		Correlator: sm.deps.Correlator,
		Incidents:  sm.deps.Incidents,
		Metrics:    sm.deps.Metrics,
		Fallback:   sm.deps.Fallback,
		Personas:   pol.Catalog,
	}, sm.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open call %q: %w", req.CallID, err)
	}

	callCtx = observe.WithCallID(callCtx, req.CallID)
	callCtx, cancel := context.WithCancel(callCtx)
	c := &Call{
		Session:      sess,
		Orchestrator: orch,
		StartedAt:    time.Now().UTC(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go func() {
		c.err = orch.Run(callCtx)
		close(c.done)
		sm.release(c)
	}()
	sm.calls[req.CallID] = c
	if sm.deps.Metrics != nil {
		sm.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}

	observe.Logger(callCtx).Info("call opened",
		"persona", p.ID,
		"language", sess.Language(),
		"frameworks", frameworks,
		"consent", consent.Obtained,
		"do_not_call", consent.DoNotCall,
	)
	return c, nil
}

// Get returns the live call with the given ID.
func (sm *SessionManager) Get(id string) (*Call, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	c, ok := sm.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCallNotFound, id)
	}
	return c, nil
}

// Hangup stops the call, cancelling any turn in progress, and forgets it.
func (sm *SessionManager) Hangup(id string) error {
	sm.mu.Lock()
	c, ok := sm.calls[id]
	if ok {
		delete(sm.calls, id)
	}
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrCallNotFound, id)
	}
	sm.stop(c)
	return nil
}

// release forgets a call whose turn loop ended on its own, such as after a
// TERMINATE verdict. Calls already removed by Hangup or CloseAll are left
// alone.
func (sm *SessionManager) release(c *Call) {
	sm.mu.Lock()
	cur, ok := sm.calls[c.ID()]
	if ok && cur == c {
		delete(sm.calls, c.ID())
	}
	sm.mu.Unlock()
	if ok && cur == c {
		sm.stop(c)
	}
}

func (sm *SessionManager) stop(c *Call) {
	_ = c.Orchestrator.Close()
	c.cancel()
	<-c.done
	if sm.deps.Metrics != nil {
		sm.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s := c.Session
	observe.Logger(context.Background()).Info("call closed",
		"call_id", s.ID(),
		"trace_id", s.TraceID(),
		"terminated", s.Terminated(),
		"risk_score", s.RiskScore(),
		"duration", time.Since(c.StartedAt).Round(time.Millisecond),
	)
}

// List returns the live calls sorted by ID.
func (sm *SessionManager) List() []CallInfo {
	sm.mu.Lock()
	calls := make([]*Call, 0, len(sm.calls))
	for _, c := range sm.calls {
		calls = append(calls, c)
	}
	sm.mu.Unlock()

	out := make([]CallInfo, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b CallInfo) int { return strings.Compare(a.CallID, b.CallID) })
	return out
}

// Len returns the number of live calls.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.calls)
}

// CloseAll hangs up every call and rejects new ones.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.shutdown = true
	calls := sm.calls
	sm.calls = make(map[string]*Call)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.stop(c)
		}()
	}
	wg.Wait()
}
