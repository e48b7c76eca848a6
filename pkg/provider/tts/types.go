package tts

// VoiceSettings are the per-request synthesis controls.
type VoiceSettings struct {
	// Stability trades expressiveness for consistency (0–1).
	Stability float64

	// SimilarityBoost controls adherence to the reference voice (0–1).
	SimilarityBoost float64

	// Style exaggerates the voice's speaking style (0–1). Higher values add
	// provider-side latency.
	Style float64

	// SpeakerBoost sharpens similarity at a small latency cost.
	SpeakerBoost bool

	// Speed is the speaking-rate multiplier (1.0 = natural).
	Speed float64
}

// VoiceProfile describes a voice and the settings to synthesise it with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP 47 tag of the text being synthesised.
	Language string

	// Settings are applied to every fragment of the request. The zero value
	// leaves the provider defaults in place.
	Settings VoiceSettings

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
