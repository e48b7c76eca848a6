// Package mock provides an in-memory recording implementation of [audio.Sink]
// for use in unit tests.
//
// Sink is safe for concurrent use. It records every frame so that tests can
// assert on order and content, and it exposes hooks to inject errors or
// delays.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	orch := orchestrator.New(sess, orchestrator.Deps{Sink: sink, ...}, cfg)
//	_, _ = orch.Speak(ctx, utt)
//	frames := sink.Frames()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ghostvoice/pkg/audio"
)

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu     sync.Mutex
	frames []audio.Frame

	// EmitErr, if non-nil, is returned by every Emit call after recording.
	EmitErr error

	// OnEmit, if non-nil, is called (without the lock held) before the frame
	// is recorded. A non-nil return value is returned from Emit and the frame
	// is not recorded.
	OnEmit func(ctx context.Context, f audio.Frame) error

	notify chan struct{}
}

// Emit implements [audio.Sink].
func (s *Sink) Emit(ctx context.Context, f audio.Frame) error {
	s.mu.Lock()
	hook := s.OnEmit
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, f); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return s.EmitErr
}

// Frames returns a copy of all recorded frames in emission order.
func (s *Sink) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// FramesOfKind returns the recorded frames with the given kind.
func (s *Sink) FramesOfKind(k audio.Kind) []audio.Frame {
	var out []audio.Frame
	for _, f := range s.Frames() {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// Notify returns a channel that receives a value (non-blocking, capacity 1)
// whenever a frame is recorded.
func (s *Sink) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}

// Reset clears all recorded frames.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

var _ audio.Sink = (*Sink)(nil)
