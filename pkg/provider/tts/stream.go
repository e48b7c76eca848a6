package tts

import (
	"sync/atomic"
	"time"
)

// Stream is the result of [Provider.SynthesizeStream].
type Stream struct {
	// Audio emits PCM chunks and is closed when synthesis ends.
	Audio <-chan []byte

	// Started is when the provider began serving the request, after any
	// wait for a concurrency slot. Zero means the call itself.
	Started time.Time

	err atomic.Pointer[error]
}

// NewStream wraps an audio channel owned by the producer.
func NewStream(audio <-chan []byte) *Stream {
	return &Stream{Audio: audio}
}

// SetErr records why synthesis ended early. Only the first error is kept.
// Producers must call it before closing Audio.
func (s *Stream) SetErr(err error) {
	if err != nil {
		s.err.CompareAndSwap(nil, &err)
	}
}

// Err returns the error recorded by the producer, or nil. It is only
// meaningful after Audio has been closed.
func (s *Stream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Collect drains s and returns the concatenated audio and the stream error.
func (s *Stream) Collect() ([]byte, error) {
	var out []byte
	for chunk := range s.Audio {
		out = append(out, chunk...)
	}
	return out, s.Err()
}
