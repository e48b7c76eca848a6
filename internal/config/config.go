// Package config provides the configuration schema, loader, and provider
// registry for the GhostVoice synthesis service.
package config

import "time"

// LogLevel controls log verbosity for the GhostVoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// BlockPolicy selects what happens to the rest of a turn after a unit is
// blocked.
type BlockPolicy string

const (
	// BlockEndTurn speaks the blocked-content phrase and ends the turn.
	BlockEndTurn BlockPolicy = "end_turn"

	// BlockSubstitute speaks the phrase in place of the unit and keeps going.
	BlockSubstitute BlockPolicy = "substitute"
)

// IsValid reports whether b is a recognised block policy.
func (b BlockPolicy) IsValid() bool {
	return b == BlockEndTurn || b == BlockSubstitute
}

// Config is the root configuration structure for GhostVoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Provider       ProviderEntry   `yaml:"provider"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
	Pipeline       PipelineConfig  `yaml:"pipeline"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	Safety         SafetyConfig    `yaml:"safety"`
	Personas       []PersonaConfig `yaml:"personas"`
	DefaultPersona string          `yaml:"default_persona"`

	// Frameworks are the compliance frameworks applied to calls that do not
	// name their own.
	Frameworks []string        `yaml:"frameworks"`
	Incidents  IncidentsConfig `yaml:"incidents"`
	DNC        DNCConfig       `yaml:"dnc"`
	Fallback   FallbackConfig  `yaml:"fallback"`
}

// ServerConfig holds network and logging settings for the GhostVoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StreamRate caps inbound call-stream messages per second per connection.
	// Default: 20.
	StreamRate float64 `yaml:"stream_rate"`

	// StreamBurst is the token bucket size for StreamRate. Default: 10.
	StreamBurst int `yaml:"stream_burst"`

	// APIKeys are accepted as "Authorization: Bearer <key>" or X-API-Key.
	// Entries of the form "${ENV_VAR}" are expanded from the environment.
	// Empty leaves the API unauthenticated.
	APIKeys []string `yaml:"api_keys"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the TTS provider.
type ProviderEntry struct {
	// Name selects the implementation registered in a [Registry]
	// (e.g., "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication credential. Values of the form
	// "${ENV_VAR}" are expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the streaming websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// APIURL overrides the REST endpoint used for voice listing.
	APIURL string `yaml:"api_url"`

	// Model is the provider model identifier.
	Model string `yaml:"model"`

	// OutputFormat is the audio encoding requested from the provider
	// (e.g., "pcm_16000").
	OutputFormat string `yaml:"output_format"`

	// MaxConcurrency caps in-flight synthesis requests across all calls.
	// Zero disables the cap.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Options holds provider-specific settings not covered above.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures tracing export and the correlator.
type TelemetryConfig struct {
	// OTLPEndpoint, when set, exports spans over OTLP/gRPC (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// Buffer is the correlator event queue length. Default: 1024.
	Buffer int `yaml:"buffer"`

	// MaxTraces bounds retained per-call breakdowns. Default: 1000.
	MaxTraces int `yaml:"max_traces"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	// Window is the maximum number of units dispatched but not yet
	// delivered. Default: 3.
	Window int `yaml:"window"`

	// MaxUnitLength is the segmenter's soft cap in characters. Default: 200.
	MaxUnitLength int `yaml:"max_unit_length"`

	// MaxAttempts bounds provider attempts per unit. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// TurnBudget bounds the wall time of one turn, retries included.
	// Default: 8s.
	TurnBudget time.Duration `yaml:"turn_budget"`

	// AttemptTimeout bounds one provider attempt. Default: 3s.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// BlockPolicy is "end_turn" (default) or "substitute".
	BlockPolicy BlockPolicy `yaml:"block_policy"`

	// SampleRate of emitted PCM in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FallbackSilence is the silence length substituted for a failed unit
	// when no clip is available. Default: 300ms.
	FallbackSilence time.Duration `yaml:"fallback_silence"`
}

// BreakerConfig configures the provider health governor.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure threshold that opens the
	// circuit. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// WindowSize is the number of recent calls kept for the failure ratio.
	WindowSize int `yaml:"window_size"`

	// FailureRatio opens the circuit when the windowed failure rate reaches
	// it. Zero keeps the default of 0.5; a negative value disables the check.
	FailureRatio float64 `yaml:"failure_ratio"`

	// OpenLatency opens the circuit when the smoothed call latency exceeds
	// it. Zero disables the check.
	OpenLatency time.Duration `yaml:"open_latency"`

	// SlowLatency marks the provider degraded when the smoothed call
	// latency exceeds it.
	SlowLatency time.Duration `yaml:"slow_latency"`

	// ResetTimeout is the open-state cool-down. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of trial calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`
}

// SafetyConfig tunes the safety gate.
type SafetyConfig struct {
	// RiskThreshold is the accumulated risk score at which every later
	// evaluation in the call is at least BLOCK. Default: 10.
	RiskThreshold int `yaml:"risk_threshold"`

	// Budget is the evaluation time after which a slow-evaluation warning
	// is logged.
	Budget time.Duration `yaml:"budget"`

	// FuzzyThreshold is the Jaro-Winkler similarity at which a word matches
	// a listed phrase word. Zero keeps the default.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// MaxInputLength rejects longer units outright. Zero keeps the default.
	MaxInputLength int `yaml:"max_input_length"`

	// Phrase lists replace the built-in lists when non-empty.
	BlockedPhrases     []string `yaml:"blocked_phrases"`
	FraudIndicators    []string `yaml:"fraud_indicators"`
	DistressIndicators []string `yaml:"distress_indicators"`

	// Actions overrides the heuristic action per category
	// (fraud_indicator, distress_indicator, blocked_phrase).
	// Values: none, mask, block, terminate.
	Actions map[string]string `yaml:"actions"`
}

// PersonaConfig defines one voice persona.
type PersonaConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	VoiceID  string `yaml:"voice_id"`
	Language string `yaml:"language"`

	Settings VoiceSettings `yaml:"settings"`

	// CrossLingual replaces Settings when the call language differs from
	// Language.
	CrossLingual *VoiceSettings `yaml:"cross_lingual"`
}

// VoiceSettings are the provider-independent synthesis controls.
type VoiceSettings struct {
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
	SpeakerBoost    bool    `yaml:"speaker_boost"`
	Rate            float64 `yaml:"rate"`
}

// IncidentsConfig configures where compliance incidents go. Incidents are
// always logged; the sinks below are added when configured.
type IncidentsConfig struct {
	// PostgresDSN enables the durable incident store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// NATSURL enables publishing to the compliance collaborator.
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix is the NATS subject prefix. Default: "ghostvoice.incidents".
	SubjectPrefix string `yaml:"subject_prefix"`

	// Queue is the dispatcher queue length. Default: 256.
	Queue int `yaml:"queue"`

	// Retain bounds the in-memory incident list served by the API.
	// Default: 1000.
	Retain int `yaml:"retain"`
}

// DNCConfig configures the do-not-call registry consulted at session open.
type DNCConfig struct {
	// RedisAddr enables the Redis-backed registry.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Key is the Redis set holding listed numbers. Default: "ghostvoice:dnc".
	Key string `yaml:"key"`

	// Numbers is a static list used when RedisAddr is empty.
	Numbers []string `yaml:"numbers"`
}

// FallbackConfig lists scripted clips per fallback kind
// (tts_timeout, blocked_content, closing, technical_difficulties).
type FallbackConfig struct {
	Clips map[string][]ClipConfig `yaml:"clips"`
}

// ClipConfig is one scripted phrase, optionally pre-rendered.
type ClipConfig struct {
	Text string `yaml:"text"`

	// File is a raw 16-bit little-endian mono PCM file.
	File string `yaml:"file"`

	// SampleRate of File. Default: the pipeline sample rate.
	SampleRate int `yaml:"sample_rate"`
}
