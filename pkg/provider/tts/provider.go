// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// [Stream] of raw PCM audio as it becomes available.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderTimeout is returned (wrapped) when the provider did not finish a
// synthesis request within its deadline.
var ErrProviderTimeout = errors.New("tts: provider timeout")

// ErrEmptyAudio is returned when a synthesis request completed without
// producing any audio.
var ErrEmptyAudio = errors.New("tts: provider returned no audio")

// ProviderError is a failure reported by the remote service.
type ProviderError struct {
	Provider string
	// Status is the HTTP or websocket close status, 0 when unknown.
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tts: %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("tts: %s: %s", e.Provider, e.Message)
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (e.g., several units of one utterance).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a Stream whose Audio channel emits raw PCM byte slices as they
	// are synthesised.
	//
	// The Audio channel is closed by the implementation when all text has
	// been synthesised, when the provider fails, or when ctx is cancelled.
	// After it is closed, Stream.Err reports why synthesis ended early. The
	// caller must drain Audio to avoid blocking the provider's goroutines.
	//
	// Cancelling ctx aborts the request at the provider on a best-effort
	// basis.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
