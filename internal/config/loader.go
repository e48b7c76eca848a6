package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"gopkg.in/yaml.v3"
)

// heuristicCategories are the keys accepted in safety.actions.
var heuristicCategories = []compliance.Category{
	compliance.CategoryFraud,
	compliance.CategoryDistress,
	compliance.CategoryBlockedPhrase,
}

// fallbackKinds are the keys accepted in fallback.clips.
var fallbackKinds = []string{"tts_timeout", "blocked_content", "closing", "technical_difficulties"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Provider.APIKey = expandEnv(cfg.Provider.APIKey)
	for i, k := range cfg.Server.APIKeys {
		cfg.Server.APIKeys[i] = expandEnv(k)
	}
	cfg.Incidents.PostgresDSN = expandEnv(cfg.Incidents.PostgresDSN)
	cfg.DNC.RedisPassword = expandEnv(cfg.DNC.RedisPassword)

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves a value of the exact form "${NAME}" from the
// environment. Other values are returned unchanged.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Breaker and safety fields left at zero are defaulted by the components
// themselves.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.StreamRate, 20)
	setDefault(&cfg.Server.StreamBurst, 10)
	setDefault(&cfg.Server.ShutdownTimeout, 15*time.Second)

	setDefault(&cfg.Provider.Name, "elevenlabs")
	if cfg.Provider.Name == "elevenlabs" {
		setDefault(&cfg.Provider.OutputFormat, "pcm_16000")
	}

	setDefault(&cfg.Telemetry.Buffer, 1024)
	setDefault(&cfg.Telemetry.MaxTraces, 1000)

	p := &cfg.Pipeline
	setDefault(&p.Window, 3)
	setDefault(&p.MaxUnitLength, 200)
	setDefault(&p.MaxAttempts, 3)
	setDefault(&p.TurnBudget, 8*time.Second)
	setDefault(&p.AttemptTimeout, 3*time.Second)
	setDefault(&p.InitialBackoff, 100*time.Millisecond)
	setDefault(&p.MaxBackoff, time.Second)
	setDefault(&p.BlockPolicy, BlockEndTurn)
	setDefault(&p.SampleRate, 16000)
	setDefault(&p.FallbackSilence, 300*time.Millisecond)

	setDefault(&cfg.Incidents.SubjectPrefix, "ghostvoice.incidents")
	setDefault(&cfg.Incidents.Queue, 256)
	setDefault(&cfg.Incidents.Retain, 1000)

	setDefault(&cfg.DNC.Key, "ghostvoice:dnc")

	for kind, clips := range cfg.Fallback.Clips {
		for i := range clips {
			setDefault(&clips[i].SampleRate, p.SampleRate)
		}
		cfg.Fallback.Clips[kind] = clips
	}
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Validate checks that cfg contains a coherent set of values. It expects
// [ApplyDefaults] to have run and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for i, k := range cfg.Server.APIKeys {
		if k == "" {
			errs = append(errs, fmt.Errorf("server.api_keys[%d] is empty", i))
		}
	}
	if cfg.Server.StreamRate < 0 {
		errs = append(errs, fmt.Errorf("server.stream_rate %.2f must not be negative", cfg.Server.StreamRate))
	}

	// Provider
	if cfg.Provider.Name == "elevenlabs" && cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required for elevenlabs"))
	}
	if f := cfg.Provider.OutputFormat; f != "" && cfg.Provider.SampleRate() == 0 {
		errs = append(errs, fmt.Errorf("provider.output_format %q is not raw PCM; expected pcm_<rate>", f))
	}
	if cfg.Provider.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("provider.max_concurrency %d must not be negative", cfg.Provider.MaxConcurrency))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.Window < 1 {
		errs = append(errs, fmt.Errorf("pipeline.window %d must be at least 1", p.Window))
	}
	if p.MaxUnitLength < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_unit_length %d must be at least 1", p.MaxUnitLength))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts %d must be at least 1", p.MaxAttempts))
	}
	if p.AttemptTimeout > p.TurnBudget {
		errs = append(errs, fmt.Errorf("pipeline.attempt_timeout %s exceeds pipeline.turn_budget %s", p.AttemptTimeout, p.TurnBudget))
	}
	if p.InitialBackoff > p.MaxBackoff {
		errs = append(errs, fmt.Errorf("pipeline.initial_backoff %s exceeds pipeline.max_backoff %s", p.InitialBackoff, p.MaxBackoff))
	}
	if !p.BlockPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.block_policy %q is invalid; valid values: end_turn, substitute", p.BlockPolicy))
	}
	if p.SampleRate < 8000 || p.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is out of range [8000, 48000]", p.SampleRate))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_ratio %.2f must not exceed 1", cfg.Breaker.FailureRatio))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Safety
	if cfg.Safety.RiskThreshold < 0 {
		errs = append(errs, fmt.Errorf("safety.risk_threshold %d must not be negative", cfg.Safety.RiskThreshold))
	}
	if f := cfg.Safety.FuzzyThreshold; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("safety.fuzzy_threshold %.2f is out of range [0, 1]", f))
	}
	for cat, action := range cfg.Safety.Actions {
		if !slices.Contains(heuristicCategories, compliance.Category(cat)) {
			errs = append(errs, fmt.Errorf("safety.actions: unknown category %q; valid values: fraud_indicator, distress_indicator, blocked_phrase", cat))
		}
		if _, err := compliance.ParseAction(action); err != nil {
			errs = append(errs, fmt.Errorf("safety.actions.%s: %w", cat, err))
		}
	}

	// Frameworks
	if _, err := compliance.ParseList(cfg.Frameworks); err != nil {
		errs = append(errs, fmt.Errorf("frameworks: %w", err))
	}
	if len(cfg.Frameworks) == 0 {
		slog.Warn("no default compliance frameworks configured; calls that name none get detector masking and content heuristics only")
	}

	// Personas
	if len(cfg.Personas) > 0 || cfg.DefaultPersona != "" {
		if _, err := cfg.Catalog(); err != nil {
			errs = append(errs, err)
		}
	}

	// Incidents
	if cfg.Incidents.Queue < 1 {
		errs = append(errs, fmt.Errorf("incidents.queue %d must be at least 1", cfg.Incidents.Queue))
	}
	if cfg.Incidents.PostgresDSN == "" && cfg.Incidents.NATSURL == "" {
		slog.Warn("incidents.postgres_dsn and incidents.nats_url are empty; incidents are only logged and kept in memory")
	}

	// DNC
	if cfg.DNC.RedisAddr != "" && len(cfg.DNC.Numbers) > 0 {
		slog.Warn("dnc.numbers is ignored when dnc.redis_addr is set")
	}

	// Fallback
	for kind, clips := range cfg.Fallback.Clips {
		if !slices.Contains(fallbackKinds, kind) {
			errs = append(errs, fmt.Errorf("fallback.clips: unknown kind %q; valid values: %s", kind, strings.Join(fallbackKinds, ", ")))
			continue
		}
		for i, c := range clips {
			if c.Text == "" && c.File == "" {
				errs = append(errs, fmt.Errorf("fallback.clips.%s[%d]: text or file is required", kind, i))
			}
			if c.SampleRate < 0 {
				errs = append(errs, fmt.Errorf("fallback.clips.%s[%d].sample_rate %d must not be negative", kind, i, c.SampleRate))
			}
		}
	}

	return errors.Join(errs...)
}
