// Package persona defines the voice personas a call can be spoken in.
//
// A [Persona] is an immutable value resolved once per call session from a
// [Catalog]. It carries the provider voice to use and the base synthesis
// settings the prosody adapter starts from.
package persona

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrUnknownPersona is returned by [Catalog.Lookup] for IDs that are not in
// the catalog.
var ErrUnknownPersona = errors.New("persona: unknown persona")

// Settings are the provider-independent synthesis controls of a voice.
type Settings struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	SpeakerBoost    bool
	// Rate is the speaking-rate multiplier (1.0 = natural).
	Rate float64
}

// IsZero reports whether s is the zero value.
func (s Settings) IsZero() bool { return s == Settings{} }

// Persona is a named voice identity.
type Persona struct {
	ID      string
	Name    string
	VoiceID string

	// Language is the BCP 47 tag the persona was designed for.
	Language string

	Base Settings

	// CrossLingual replaces Base when the call language differs from
	// Language. Zero means "use the adapter default".
	CrossLingual Settings
}

// Validate reports configuration mistakes in p.
func (p Persona) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("persona: id is required"))
	}
	if p.VoiceID == "" {
		errs = append(errs, fmt.Errorf("persona %q: voice_id is required", p.ID))
	}
	for name, v := range map[string]float64{
		"stability":        p.Base.Stability,
		"similarity_boost": p.Base.SimilarityBoost,
		"style":            p.Base.Style,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("persona %q: %s %.2f outside [0,1]", p.ID, name, v))
		}
	}
	if p.Base.Rate < 0 {
		errs = append(errs, fmt.Errorf("persona %q: rate must not be negative", p.ID))
	}
	return errors.Join(errs...)
}

// Catalog is an immutable set of personas keyed by ID.
type Catalog struct {
	personas  map[string]Persona
	defaultID string
}

// NewCatalog validates personas and builds a catalog. defaultID selects the
// persona returned for empty lookups; it must be one of the personas.
func NewCatalog(defaultID string, personas ...Persona) (*Catalog, error) {
	c := &Catalog{personas: make(map[string]Persona, len(personas)), defaultID: strings.ToLower(defaultID)}
	var errs []error
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(p.ID)
		if _, dup := c.personas[key]; dup {
			errs = append(errs, fmt.Errorf("persona %q: duplicate id", p.ID))
			continue
		}
		c.personas[key] = p
	}
	if _, ok := c.personas[c.defaultID]; !ok && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("persona: default persona %q is not in the catalog", defaultID))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the persona with the given ID (case-insensitive). An empty
// id resolves to the default persona.
func (c *Catalog) Lookup(id string) (Persona, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		key = c.defaultID
	}
	p, ok := c.personas[key]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

// IDs returns the sorted persona IDs.
func (c *Catalog) IDs() []string {
	return slices.Sorted(maps.Keys(c.personas))
}

// Defaults returns the built-in personas.
func Defaults() []Persona {
	return []Persona{
		{
			ID:       "stephen",
			Name:     "Stephen",
			VoiceID:  "21m00Tcm4TlvDq8ikWAM",
			Language: "en",
			Base:     Settings{Stability: 0.75, SimilarityBoost: 0.85, Style: 0.2, SpeakerBoost: true, Rate: 1.0},
		},
		{
			ID:       "nova",
			Name:     "Nova",
			VoiceID:  "EXAVITQu4vr4xnSDxMaL",
			Language: "en",
			Base:     Settings{Stability: 0.6, SimilarityBoost: 0.8, Style: 0.4, SpeakerBoost: true, Rate: 1.0},
		},
		{
			ID:       "sugar",
			Name:     "Sugar",
			VoiceID:  "MF3mGyEYCl7XYWbV9V6O",
			Language: "en",
			Base:     Settings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.6, SpeakerBoost: true, Rate: 1.05},
		},
	}
}

// DefaultCatalog returns a catalog of [Defaults] with "stephen" as default.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog("stephen", Defaults()...)
	if err != nil {
		panic(err)
	}
	return c
}
