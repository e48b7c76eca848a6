package tts

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limited caps the number of concurrent synthesis requests across all
// callers of the wrapped provider. A slot is held from the start of
// SynthesizeStream until its audio channel is closed.
type Limited struct {
	p   Provider
	sem *semaphore.Weighted
	max int64
}

// Limit wraps p so that at most max streams are active at once. max <= 0
// disables the cap.
func Limit(p Provider, max int) Provider {
	if max <= 0 {
		return p
	}
	return &Limited{p: p, sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Max returns the configured concurrency cap.
func (l *Limited) Max() int { return int(l.max) }

// SynthesizeStream blocks until a slot is free or ctx is done. The returned
// stream's Started is the moment the slot was acquired.
func (l *Limited) SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (*Stream, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("tts: acquire provider slot: %w", err)
	}
	started := time.Now()
	inner, err := l.p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	out := make(chan []byte, cap(inner.Audio))
	s := NewStream(out)
	s.Started = started
	if inner.Started.After(started) {
		s.Started = inner.Started
	}
	go func() {
		defer l.sem.Release(1)
		defer close(out)
		for chunk := range inner.Audio {
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Keep draining so the provider can finish; the caller is gone.
				for range inner.Audio {
				}
				s.SetErr(inner.Err())
				s.SetErr(ctx.Err())
				return
			}
		}
		s.SetErr(inner.Err())
	}()
	return s, nil
}

// ListVoices is not rate limited.
func (l *Limited) ListVoices(ctx context.Context) ([]VoiceProfile, error) {
	return l.p.ListVoices(ctx)
}

var _ Provider = (*Limited)(nil)
