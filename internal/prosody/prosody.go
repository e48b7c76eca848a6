// Package prosody derives per-unit synthesis parameters from a persona, the
// call language and the provider's current latency state.
//
// [Adapter.Derive] is pure: the same inputs always produce the same
// [Params].
package prosody

import (
	"strings"

	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/segment"
)

// LatencyState is the provider latency condition reported by the health
// governor.
type LatencyState int

const (
	LatencyNormal LatencyState = iota
	LatencyDegraded
)

func (l LatencyState) String() string {
	if l == LatencyDegraded {
		return "degraded"
	}
	return "normal"
}

// Provider bounds for the speaking rate.
const (
	MinRate = 0.7
	MaxRate = 1.2
)

// Params are the synthesis controls for one unit.
type Params struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	SpeakerBoost    bool
	Rate            float64

	// CrossLingual is true when the fallback profile was used.
	CrossLingual bool
}

// DefaultCrossLingual is the profile used for language mismatches when the
// persona does not define its own.
var DefaultCrossLingual = persona.Settings{
	Stability:       0.8,
	SimilarityBoost: 0.75,
	Style:           0,
	SpeakerBoost:    true,
	Rate:            0.95,
}

// Option is a functional option for configuring an [Adapter].
type Option func(*Adapter)

// WithCrossLingual overrides [DefaultCrossLingual].
func WithCrossLingual(s persona.Settings) Option {
	return func(a *Adapter) { a.crossLingual = s }
}

// WithDegradedStyleFactor sets the multiplier applied to style while the
// provider is degraded. Default: 0.
func WithDegradedStyleFactor(f float64) Option {
	return func(a *Adapter) { a.degradedStyle = clamp01(f) }
}

// WithExclamationLift sets the style increase for exclamations under normal
// latency. Default: 0.1.
func WithExclamationLift(f float64) Option {
	return func(a *Adapter) { a.exclamationLift = f }
}

// Adapter derives [Params]. It is read-only after construction.
type Adapter struct {
	crossLingual    persona.Settings
	degradedStyle   float64
	exclamationLift float64
}

// New returns an Adapter configured with opts.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		crossLingual:    DefaultCrossLingual,
		degradedStyle:   0,
		exclamationLift: 0.1,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Derive returns the synthesis parameters for unit spoken by p in language
// under the given latency state.
func (a *Adapter) Derive(unit string, p persona.Persona, language string, latency LatencyState) Params {
	base := p.Base
	cross := false
	if mismatched(p.Language, language) {
		cross = true
		base = p.CrossLingual
		if base.IsZero() {
			base = a.crossLingual
		}
	}

	out := Params{
		Stability:       base.Stability,
		SimilarityBoost: base.SimilarityBoost,
		Style:           base.Style,
		SpeakerBoost:    base.SpeakerBoost,
		Rate:            base.Rate,
		CrossLingual:    cross,
	}
	if out.Rate == 0 {
		out.Rate = 1
	}

	switch latency {
	case LatencyDegraded:
		out.Style *= a.degradedStyle
		out.SpeakerBoost = false
	default:
		if strings.HasSuffix(strings.TrimRight(unit, `"')”’ `), "!") {
			out.Style += a.exclamationLift
		}
	}

	out.Stability = clamp01(out.Stability)
	out.SimilarityBoost = clamp01(out.SimilarityBoost)
	out.Style = clamp01(out.Style)
	out.Rate = min(max(out.Rate, MinRate), MaxRate)
	return out
}

// mismatched reports whether the call language differs from the persona
// language on the primary subtag. Unknown languages never mismatch.
func mismatched(personaLang, callLang string) bool {
	a, b := segment.PrimaryLanguage(personaLang), segment.PrimaryLanguage(callLang)
	return a != "" && b != "" && a != b
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
