package orchestrator

import (
	"fmt"
	"time"

	"github.com/MrWong99/ghostvoice/internal/prosody"
	"github.com/MrWong99/ghostvoice/internal/safety"
)

// State is the lifecycle position of a [Unit].
type State int

const (
	StatePending State = iota
	StateSafetyChecked
	StateQueued
	StateInFlight
	StateDelivered
	StateCancelled
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSafetyChecked:
		return "SAFETY_CHECKED"
	case StateQueued:
		return "QUEUED"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateDelivered:
		return "DELIVERED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateDelivered || s == StateCancelled }

// next lists the forward transitions. CANCELLED is reachable from every
// non-terminal state and is handled separately.
var next = map[State]State{
	StatePending:       StateSafetyChecked,
	StateSafetyChecked: StateQueued,
	StateQueued:        StateInFlight,
	StateInFlight:      StateDelivered,
}

// TransitionError reports an illegal lifecycle transition.
type TransitionError struct {
	Index int
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("orchestrator: unit %d: illegal transition %s -> %s", e.Index, e.From, e.To)
}

// Outcome says how a unit's audio was produced.
type Outcome int

const (
	// OutcomeNone means no audio was produced for the unit.
	OutcomeNone Outcome = iota
	// OutcomeSynthesized means the provider rendered the unit.
	OutcomeSynthesized
	// OutcomeDegraded means the unit was delivered as transcript while the
	// provider circuit was open.
	OutcomeDegraded
	// OutcomeSubstituted means a fallback clip, phrase or silence replaced
	// the unit.
	OutcomeSubstituted
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSynthesized:
		return "synthesized"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeSubstituted:
		return "substituted"
	default:
		return "none"
	}
}

// SynthesisResult is what a dispatch produced for one unit.
type SynthesisResult struct {
	Audio    []byte
	Duration time.Duration
	// Latency is the provider time of the successful (or last) attempt. Time
	// spent waiting for a provider concurrency slot is not included.
	Latency  time.Duration
	Attempts int
	Outcome  Outcome
}

// Unit is one segment of an utterance moving through the pipeline. A Unit
// is owned by the sequencer of the turn that created it.
type Unit struct {
	Index int
	// Text is the segmenter output. It never leaves the process.
	Text string
	// Masked is the text after redaction; the only text ever synthesized.
	Masked  string
	Verdict safety.Verdict
	Rules   []string
	Params  prosody.Params
	Result  SynthesisResult

	state State
}

func newUnit(index int, text string) *Unit {
	return &Unit{Index: index, Text: text, state: StatePending}
}

// State returns the current lifecycle state.
func (u *Unit) State() State { return u.state }

// advance moves u to to. Illegal transitions return a [*TransitionError].
func (u *Unit) advance(to State) error {
	if u.state.Terminal() {
		return &TransitionError{Index: u.Index, From: u.state, To: to}
	}
	if to != StateCancelled && next[u.state] != to {
		return &TransitionError{Index: u.Index, From: u.state, To: to}
	}
	u.state = to
	return nil
}

// UnitSummary is the report entry for one unit. Text is the masked text.
type UnitSummary struct {
	Index    int      `json:"index"`
	Text     string   `json:"text"`
	Verdict  string   `json:"verdict"`
	State    string   `json:"state"`
	Outcome  string   `json:"outcome"`
	Attempts int      `json:"attempts"`
	Rules    []string `json:"rules,omitempty"`
	// Latency is the provider time of the last attempt.
	Latency time.Duration `json:"latency_ns"`
}

// TurnReport summarises a finished turn.
type TurnReport struct {
	Seq      uint64        `json:"seq"`
	CallID   string        `json:"call_id"`
	TraceID  string        `json:"trace_id"`
	Reason   string        `json:"reason"`
	Degraded bool          `json:"degraded"`
	Units    []UnitSummary `json:"units"`
	Skipped  int           `json:"skipped"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Delivered returns the number of units synthesized and delivered.
func (r *TurnReport) Delivered() int {
	n := 0
	for _, u := range r.Units {
		if u.State == StateDelivered.String() {
			n++
		}
	}
	return n
}
