package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/safety"
)

// Catalog builds the persona catalog. Without configured personas the
// built-in ones are used; without a default_persona the first persona is
// the default.
func (c *Config) Catalog() (*persona.Catalog, error) {
	if len(c.Personas) == 0 {
		def := c.DefaultPersona
		if def == "" {
			def = "stephen"
		}
		cat, err := persona.NewCatalog(def, persona.Defaults()...)
		if err != nil {
			return nil, fmt.Errorf("default_persona: %w", err)
		}
		return cat, nil
	}
	ps := make([]persona.Persona, 0, len(c.Personas))
	for _, pc := range c.Personas {
		p := persona.Persona{
			ID:       pc.ID,
			Name:     pc.Name,
			VoiceID:  pc.VoiceID,
			Language: pc.Language,
			Base:     pc.Settings.settings(),
		}
		if pc.CrossLingual != nil {
			p.CrossLingual = pc.CrossLingual.settings()
		}
		ps = append(ps, p)
	}
	def := c.DefaultPersona
	if def == "" {
		def = c.Personas[0].ID
	}
	cat, err := persona.NewCatalog(def, ps...)
	if err != nil {
		return nil, fmt.Errorf("personas: %w", err)
	}
	return cat, nil
}

func (v VoiceSettings) settings() persona.Settings {
	rate := v.Rate
	if rate == 0 {
		rate = 1.0
	}
	return persona.Settings{
		Stability:       v.Stability,
		SimilarityBoost: v.SimilarityBoost,
		Style:           v.Style,
		SpeakerBoost:    v.SpeakerBoost,
		Rate:            rate,
	}
}

// DefaultFrameworks returns the parsed default frameworks. Unknown names
// are dropped; [Validate] reports them.
func (c *Config) DefaultFrameworks() []compliance.Framework {
	out := make([]compliance.Framework, 0, len(c.Frameworks))
	for _, n := range c.Frameworks {
		if f, err := compliance.Parse(n); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// GateOptions translates the safety section into gate options. Zero values
// keep the gate defaults.
func (s SafetyConfig) GateOptions() []safety.Option {
	var opts []safety.Option
	if s.RiskThreshold > 0 {
		opts = append(opts, safety.WithRiskThreshold(s.RiskThreshold))
	}
	if s.Budget > 0 {
		opts = append(opts, safety.WithBudget(s.Budget))
	}
	if s.FuzzyThreshold > 0 {
		opts = append(opts, safety.WithFuzzyThreshold(s.FuzzyThreshold))
	}
	if s.MaxInputLength > 0 {
		opts = append(opts, safety.WithMaxInputLength(s.MaxInputLength))
	}
	for cat, phrases := range map[compliance.Category][]string{
		compliance.CategoryBlockedPhrase: s.BlockedPhrases,
		compliance.CategoryFraud:         s.FraudIndicators,
		compliance.CategoryDistress:      s.DistressIndicators,
	} {
		if len(phrases) > 0 {
			opts = append(opts, safety.WithPhrases(cat, phrases))
		}
	}
	for cat, name := range s.Actions {
		a, err := compliance.ParseAction(name)
		if err != nil {
			continue
		}
		opts = append(opts, safety.WithHeuristicAction(compliance.Category(cat), a))
	}
	return opts
}

// Governor translates the breaker section into a governor config.
func (b BreakerConfig) Governor(name string) resilience.Config {
	return resilience.Config{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		WindowSize:   b.WindowSize,
		FailureRatio: b.FailureRatio,
		OpenLatency:  b.OpenLatency,
		SlowLatency:  b.SlowLatency,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

// SampleRate returns the rate encoded in a "pcm_<rate>" output format, or
// zero when the format is empty or not raw PCM.
func (p ProviderEntry) SampleRate() int {
	rate, ok := strings.CutPrefix(p.OutputFormat, "pcm_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
