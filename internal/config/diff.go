package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that are applied to new sessions without a restart are
// tracked; everything else needs a restart.
type ConfigDiff struct {
	PersonasChanged   bool          // true if any persona was added, removed or modified
	PersonaChanges    []PersonaDiff // per-persona diffs, sorted by ID
	DefaultChanged    bool
	SafetyChanged     bool
	FrameworksChanged bool
	LogLevelChanged   bool
	NewLogLevel       LogLevel

	// RestartRequired lists top-level sections that changed but cannot be
	// hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.PersonasChanged && !d.DefaultChanged && !d.SafetyChanged &&
		!d.FrameworksChanged && !d.LogLevelChanged
}

// PersonaDiff describes what changed for a single persona.
type PersonaDiff struct {
	ID              string
	VoiceChanged    bool
	SettingsChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DefaultChanged = old.DefaultPersona != new.DefaultPersona
	d.SafetyChanged = !reflect.DeepEqual(old.Safety, new.Safety)
	d.FrameworksChanged = !slices.Equal(old.Frameworks, new.Frameworks)

	oldP := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldP[old.Personas[i].ID] = &old.Personas[i]
	}
	newP := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newP[new.Personas[i].ID] = &new.Personas[i]
	}

	for _, id := range slices.Sorted(maps.Keys(oldP)) {
		np, ok := newP[id]
		if !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Removed: true})
			continue
		}
		if pd := diffPersona(oldP[id], np); pd.VoiceChanged || pd.SettingsChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(newP)) {
		if _, ok := oldP[id]; !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Added: true})
		}
	}
	d.PersonasChanged = len(d.PersonaChanges) > 0

	for name, pair := range map[string][2]any{
		"provider":  {old.Provider, new.Provider},
		"pipeline":  {old.Pipeline, new.Pipeline},
		"breaker":   {old.Breaker, new.Breaker},
		"telemetry": {old.Telemetry, new.Telemetry},
		"incidents": {old.Incidents, new.Incidents},
		"dnc":       {old.DNC, new.DNC},
		"fallback":  {old.Fallback, new.Fallback},
	} {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}

func diffPersona(old, new *PersonaConfig) PersonaDiff {
	pd := PersonaDiff{ID: old.ID}
	pd.VoiceChanged = old.VoiceID != new.VoiceID || old.Language != new.Language
	pd.SettingsChanged = old.Settings != new.Settings || !reflect.DeepEqual(old.CrossLingual, new.CrossLingual)
	return pd
}
