package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Voice: config.VoiceConfig{
			Trigger:     config.PhraseSetConfig{Phrases: []string{"hey bev"}, Threshold: 0.65},
			Termination: config.PhraseSetConfig{Phrases: []string{"that's all"}},
		},
		Catalog: []config.CatalogEntry{{
			Item:       catalog.Item{ID: "ipa", Name: "IPA", Category: catalog.CategoryBeer, PriceCents: 700},
			Containers: 10,
		}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, cfg); !d.IsZero() {
		t.Errorf("expected zero diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if d.PhrasesChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_Phrases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"trigger phrase added", func(c *config.Config) {
			c.Voice.Trigger.Phrases = append(c.Voice.Trigger.Phrases, "yo bev")
		}},
		{"termination threshold", func(c *config.Config) { c.Voice.Termination.Threshold = 0.8 }},
		{"deny list", func(c *config.Config) { c.Voice.DenyList = []string{"um"} }},
		{"min confidence", func(c *config.Config) { c.Voice.MinConfidence = 0.5 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !d.PhrasesChanged {
				t.Errorf("PhrasesChanged = false, want true")
			}
			if d.TimingChanged {
				t.Errorf("TimingChanged = true, want false")
			}
		})
	}
}

func TestDiff_Timing(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Voice.SettleDelay = 2 * time.Second
	if d := config.Diff(old, new); !d.TimingChanged || d.PhrasesChanged {
		t.Errorf("diff = %+v, want timing only", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Store.Driver = config.StorePostgres
	new.Store.PostgresDSN = "postgres://x"
	new.Dispatch.Mode = config.DispatchProcess
	new.Catalog[0].Containers = 11
	new.Speech.Provider = "elevenlabs"

	d := config.Diff(old, new)
	for _, want := range []string{"store", "dispatch", "catalog", "speech"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "intent") {
		t.Errorf("intent did not change but is listed: %v", d.RestartRequired)
	}
}
