// Package audio defines the frames a call's audio output collaborator receives
// and the small PCM helpers the pipeline needs to produce them.
//
// A call's output is an ordered sequence of [Frame] values per turn,
// delivered to a [Sink] and terminated by a frame of kind [KindEndOfTurn].
// Frames of one turn carry strictly increasing unit sequence numbers.
//
// This package lives under pkg/ because telephony adapters outside this
// module are expected to implement [Sink].
package audio

import (
	"context"
	"time"
)

// Kind classifies what a [Frame] carries.
type Kind int

const (
	// KindSpeech is synthesized speech for a unit.
	KindSpeech Kind = iota

	// KindFallback is a pre-rendered phrase substituted for a unit that could
	// not be synthesized or was blocked.
	KindFallback

	// KindSilence is a short stretch of silence substituted for a unit.
	KindSilence

	// KindTranscript carries only the unit's (masked) text. Used in degraded
	// mode when the synthesis provider is unavailable.
	KindTranscript

	// KindClosing is the scripted closing statement played before a call is
	// terminated.
	KindClosing

	// KindEndOfTurn marks the end of a turn. Data is empty; Reason says why
	// the turn ended.
	KindEndOfTurn
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSpeech:
		return "speech"
	case KindFallback:
		return "fallback"
	case KindSilence:
		return "silence"
	case KindTranscript:
		return "transcript"
	case KindClosing:
		return "closing"
	case KindEndOfTurn:
		return "end_of_turn"
	default:
		return "unknown"
	}
}

// Audible reports whether frames of this kind carry audio.
func (k Kind) Audible() bool {
	switch k {
	case KindSpeech, KindFallback, KindSilence, KindClosing:
		return true
	default:
		return false
	}
}

// End-of-turn reasons.
const (
	ReasonComplete   = "complete"
	ReasonCancelled  = "cancelled"
	ReasonBlocked    = "blocked"
	ReasonTerminated = "terminated"
	ReasonDegraded   = "degraded"
	ReasonFailed     = "failed"
)

// Frame is one buffer of output for a call.
type Frame struct {
	// CallID identifies the call session the frame belongs to.
	CallID string

	// Turn is the utterance sequence number.
	Turn uint64

	// Seq is the unit index within the turn. End-of-turn frames carry the
	// number of units in the turn.
	Seq int

	// Kind says what the frame carries.
	Kind Kind

	// Data is 16-bit little-endian mono PCM at SampleRate. Empty for
	// transcript and end-of-turn frames.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Text is the (masked) text the frame renders, if any.
	Text string

	// Reason is set on end-of-turn frames.
	Reason string

	// TraceID correlates the frame with telemetry.
	TraceID string
}

// Duration estimates the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return Duration(f.Data, f.SampleRate)
}

// Sink receives the ordered output of a call. Emit is called from the
// session's sequencer goroutine only, so implementations need not handle
// concurrent calls for the same call ID. Emit should honour ctx; an error
// aborts the current turn.
type Sink interface {
	Emit(ctx context.Context, f Frame) error
}
