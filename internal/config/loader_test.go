package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/barkeep/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "postgres without dsn",
			yaml:    "store:\n  driver: postgres\n",
			wantErr: []string{"store.postgres_dsn is required"},
		},
		{
			name:    "unknown store driver",
			yaml:    "store:\n  driver: sqlite\n",
			wantErr: []string{"store.driver"},
		},
		{
			name:    "bad initial mode",
			yaml:    "voice:\n  initial_mode: sleeping\n",
			wantErr: []string{"voice.initial_mode"},
		},
		{
			name:    "threshold out of range",
			yaml:    "voice:\n  trigger:\n    threshold: 1.5\n  termination:\n    min_length: -1\n",
			wantErr: []string{"voice.trigger.threshold", "voice.termination.min_length"},
		},
		{
			name:    "confidence out of range",
			yaml:    "voice:\n  min_confidence: 2\n",
			wantErr: []string{"voice.min_confidence"},
		},
		{
			name:    "bad dispatch mode",
			yaml:    "dispatch:\n  mode: grpc\n",
			wantErr: []string{"dispatch.mode"},
		},
		{
			name:    "llm without model",
			yaml:    "intent:\n  llm:\n    provider: openai\n",
			wantErr: []string{"intent.llm.model is required"},
		},
		{
			name:    "unknown llm provider",
			yaml:    "intent:\n  llm:\n    provider: skynet\n    model: t800\n",
			wantErr: []string{"intent.llm.provider"},
		},
		{
			name:    "speech without voice",
			yaml:    "speech:\n  provider: elevenlabs\n  api_key: k\n",
			wantErr: []string{"speech.voice_id is required"},
		},
		{
			name:    "tls half configured",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name: "catalog problems",
			yaml: `
catalog:
  - id: a
    name: Ale
    category: beer
    containers: -1
  - id: a
    name: Ale Two
    category: beer
  - id: b
    name: ""
    category: juice
`,
			wantErr: []string{"catalog[0].containers", "duplicate of catalog[0]", "catalog[2]"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
