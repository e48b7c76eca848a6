// Package session holds the per-call state shared by the pipeline stages of
// one live voice call.
//
// A [CallSession] is created when the call is established and closed when it
// ends. It is owned by exactly one orchestrator; the safety gate reads its
// compliance context and accumulates risk on it.
package session

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/persona"
)

// Consent captures the call-level facts compliance rules depend on.
type Consent struct {
	// Obtained is true when the callee has consented to automated speech.
	Obtained bool

	// DoNotCall is true when the callee's number is on a do-not-call list.
	DoNotCall bool
}

// Params describes a call at creation time.
type Params struct {
	ID         string
	TraceID    string
	Persona    persona.Persona
	Language   string
	Frameworks []compliance.Framework
	Consent    Consent
}

// CallSession is the state of one live call. All methods are safe for
// concurrent use.
type CallSession struct {
	id         string
	traceID    string
	persona    persona.Persona
	frameworks []compliance.Framework
	consent    Consent
	createdAt  time.Time

	mu       sync.Mutex
	language string
	declared bool

	risk       atomic.Int64
	closed     atomic.Bool
	terminated atomic.Bool
}

// New creates a CallSession.
func New(p Params) *CallSession {
	return &CallSession{
		id:         p.ID,
		traceID:    p.TraceID,
		persona:    p.Persona,
		frameworks: slices.Clone(p.Frameworks),
		consent:    p.Consent,
		language:   p.Language,
		declared:   p.Language != "",
		createdAt:  time.Now(),
	}
}

// ID returns the call identifier.
func (s *CallSession) ID() string { return s.id }

// TraceID returns the correlation ID shared by all telemetry of the call.
func (s *CallSession) TraceID() string { return s.traceID }

// Persona returns the persona resolved when the session was created.
func (s *CallSession) Persona() persona.Persona { return s.persona }

// Frameworks returns the compliance frameworks active for the call.
func (s *CallSession) Frameworks() []compliance.Framework { return slices.Clone(s.frameworks) }

// Consent returns the call's consent state.
func (s *CallSession) Consent() Consent { return s.consent }

// CreatedAt returns when the session was created.
func (s *CallSession) CreatedAt() time.Time { return s.createdAt }

// Language returns the declared or most recently detected call language,
// falling back to the persona language.
func (s *CallSession) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.language == "" {
		return s.persona.Language
	}
	return s.language
}

// SetLanguage records a call language declared by the caller. Empty values
// are ignored. A declared language is never replaced by detection.
func (s *CallSession) SetLanguage(lang string) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	s.language = lang
	s.declared = true
	s.mu.Unlock()
}

// LanguageDeclared reports whether the call language was set at creation or
// by [CallSession.SetLanguage].
func (s *CallSession) LanguageDeclared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declared
}

// DetectedLanguage records a language detected from the call's text. It
// reports whether the call language changed; a declared language always
// wins.
func (s *CallSession) DetectedLanguage(lang string) bool {
	if lang == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declared || s.language == lang {
		return false
	}
	s.language = lang
	return true
}

// RiskScore returns the cumulative risk score.
func (s *CallSession) RiskScore() int { return int(s.risk.Load()) }

// AddRisk adds delta to the cumulative risk score and returns the new score.
func (s *CallSession) AddRisk(delta int) int {
	return int(s.risk.Add(int64(delta)))
}

// Terminate marks the session as ended by a safety or invariant decision. It
// reports whether this call performed the transition.
func (s *CallSession) Terminate() bool {
	s.closed.Store(true)
	return s.terminated.CompareAndSwap(false, true)
}

// Terminated reports whether [CallSession.Terminate] was called.
func (s *CallSession) Terminated() bool { return s.terminated.Load() }

// Close marks the call as ended by the caller hanging up.
func (s *CallSession) Close() { s.closed.Store(true) }

// Closed reports whether the session has ended for any reason.
func (s *CallSession) Closed() bool { return s.closed.Load() }
