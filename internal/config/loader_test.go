package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/ghostvoice/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "server.tls",
		},
		{
			name:    "api key from unset env",
			yaml:    "server:\n  api_keys: [\"${GHOSTVOICE_UNSET_CALLER_KEY}\"]\n",
			wantErr: "server.api_keys[0]",
		},
		{
			name:    "elevenlabs without key",
			yaml:    "provider:\n  name: elevenlabs\n",
			wantErr: "provider.api_key",
		},
		{
			name:    "compressed output format",
			yaml:    "provider:\n  api_key: k\n  output_format: mp3_44100_128\n",
			wantErr: "provider.output_format",
		},
		{
			name:    "attempt timeout exceeds budget",
			yaml:    "pipeline:\n  turn_budget: 1s\n  attempt_timeout: 2s\n",
			wantErr: "pipeline.attempt_timeout",
		},
		{
			name:    "backoff inverted",
			yaml:    "pipeline:\n  initial_backoff: 2s\n  max_backoff: 1s\n",
			wantErr: "pipeline.initial_backoff",
		},
		{
			name:    "unknown block policy",
			yaml:    "pipeline:\n  block_policy: shout\n",
			wantErr: "pipeline.block_policy",
		},
		{
			name:    "sample rate out of range",
			yaml:    "pipeline:\n  sample_rate: 96000\n",
			wantErr: "pipeline.sample_rate",
		},
		{
			name:    "negative window",
			yaml:    "pipeline:\n  window: -1\n",
			wantErr: "pipeline.window",
		},
		{
			name:    "failure ratio above one",
			yaml:    "breaker:\n  failure_ratio: 1.5\n",
			wantErr: "breaker.failure_ratio",
		},
		{
			name:    "fuzzy threshold out of range",
			yaml:    "safety:\n  fuzzy_threshold: 2\n",
			wantErr: "safety.fuzzy_threshold",
		},
		{
			name:    "unknown heuristic category",
			yaml:    "safety:\n  actions:\n    profanity: block\n",
			wantErr: "unknown category",
		},
		{
			name:    "unknown heuristic action",
			yaml:    "safety:\n  actions:\n    fraud_indicator: explode\n",
			wantErr: "safety.actions.fraud_indicator",
		},
		{
			name:    "unknown framework",
			yaml:    "frameworks: [PCI_DSS, FERPA]\n",
			wantErr: "FERPA",
		},
		{
			name:    "persona without voice",
			yaml:    "personas:\n  - id: bare\n",
			wantErr: "voice_id is required",
		},
		{
			name:    "duplicate persona",
			yaml:    "personas:\n  - id: a\n    voice_id: v\n  - id: A\n    voice_id: w\n",
			wantErr: "duplicate",
		},
		{
			name:    "default persona missing",
			yaml:    "personas:\n  - id: a\n    voice_id: v\ndefault_persona: b\n",
			wantErr: "default persona",
		},
		{
			name:    "unknown fallback kind",
			yaml:    "fallback:\n  clips:\n    hold_music:\n      - text: hi\n",
			wantErr: "unknown kind",
		},
		{
			name:    "empty clip",
			yaml:    "fallback:\n  clips:\n    closing:\n      - sample_rate: 8000\n",
			wantErr: "text or file is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			yaml := tt.yaml
			if !strings.Contains(yaml, "provider:") {
				yaml += "provider:\n  api_key: k\n"
			}
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
pipeline:
  block_policy: shout
frameworks: [NOPE]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "pipeline.block_policy", "frameworks", "provider.api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_NonElevenLabsNeedsNoKey(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadFromReader(strings.NewReader("provider:\n  name: local\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
