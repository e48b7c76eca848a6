package orchestrator

import (
	"log/slog"
	"sync"
)

// FallbackKind selects a family of scripted phrases.
type FallbackKind string

const (
	// FallbackProvider covers units the provider failed to render.
	FallbackProvider FallbackKind = "tts_timeout"
	// FallbackBlocked replaces units the Safety Gate blocked.
	FallbackBlocked FallbackKind = "blocked_content"
	// FallbackClosing is spoken before a session is terminated.
	FallbackClosing FallbackKind = "closing"
	// FallbackDifficulties opens a degraded turn.
	FallbackDifficulties FallbackKind = "technical_difficulties"
)

// Clip is a scripted phrase with optional pre-rendered PCM. Clips without
// PCM are rendered on demand or delivered as text.
type Clip struct {
	Text       string
	PCM        []byte
	SampleRate int
}

// DefaultPhrases are the built-in scripted phrases per kind.
var DefaultPhrases = map[FallbackKind][]string{
	FallbackProvider: {
		"I'm having technical difficulties. Connecting you with a human agent now.",
		"Let me transfer you to someone who can assist you.",
	},
	FallbackBlocked: {
		"I'm sorry, I can't share that over the phone.",
		"For your security, I'm not able to go into that.",
	},
	FallbackClosing: {
		"Thank you for your time. This call will now end. Goodbye.",
	},
	FallbackDifficulties: {
		"I'm experiencing technical difficulties. Let me connect you with a human agent.",
		"I'll transfer you to someone who can help you right away.",
	},
}

// Fallback hands out scripted clips, rotating through each kind's list so
// callers do not hear the same phrase twice in a row.
type Fallback struct {
	mu       sync.Mutex
	clips    map[FallbackKind][]Clip
	counters map[FallbackKind]int
}

// NewFallback returns a library seeded with [DefaultPhrases]. Kinds present
// in clips replace the defaults for that kind.
func NewFallback(clips map[FallbackKind][]Clip) *Fallback {
	f := &Fallback{
		clips:    make(map[FallbackKind][]Clip, len(DefaultPhrases)),
		counters: make(map[FallbackKind]int),
	}
	for kind, phrases := range DefaultPhrases {
		for _, p := range phrases {
			f.clips[kind] = append(f.clips[kind], Clip{Text: p})
		}
	}
	for kind, cs := range clips {
		if len(cs) > 0 {
			f.clips[kind] = append([]Clip(nil), cs...)
		}
	}
	return f
}

// Next returns the next clip for kind. Unknown kinds fall back to
// [FallbackDifficulties].
func (f *Fallback) Next(kind FallbackKind) Clip {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.clips[kind]
	if !ok || len(cs) == 0 {
		kind = FallbackDifficulties
		cs = f.clips[kind]
	}
	if len(cs) == 0 {
		return Clip{}
	}
	i := f.counters[kind]
	f.counters[kind] = (i + 1) % len(cs)
	c := cs[i%len(cs)]
	slog.Debug("fallback clip selected", "kind", kind, "text", c.Text, "prerendered", len(c.PCM) > 0)
	return c
}
