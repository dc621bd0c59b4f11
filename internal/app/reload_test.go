package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/barkeep/internal/config"
	"github.com/MrWong99/barkeep/internal/voice"
)

func reloadConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNewVoiceSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		vc       config.VoiceConfig
		wantMode voice.Mode
		trigger  string
		wantErr  bool
	}{
		{name: "defaults", vc: config.VoiceConfig{InitialMode: "wake_word"}, wantMode: voice.ModeTriggerWait, trigger: "hey bev"},
		{name: "inactive", vc: config.VoiceConfig{InitialMode: "inactive"}, wantMode: voice.ModeInactive, trigger: "hey bev"},
		{
			name:     "custom phrases",
			vc:       config.VoiceConfig{InitialMode: "trigger_wait", Trigger: config.PhraseSetConfig{Phrases: []string{"yo barkeep"}, Threshold: 0.9}},
			wantMode: voice.ModeTriggerWait,
			trigger:  "yo barkeep",
		},
		{name: "bad mode", vc: config.VoiceConfig{InitialMode: "sleepy"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vs, err := newVoiceSettings(tt.vc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newVoiceSettings: %v", err)
			}
			if vs.initialMode != tt.wantMode {
				t.Errorf("initialMode = %q, want %q", vs.initialMode, tt.wantMode)
			}
			if !vs.trigger.Match(tt.trigger).Matched {
				t.Errorf("trigger did not match %q", tt.trigger)
			}
		})
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()

	old := reloadConfig()
	vs, err := newVoiceSettings(old.Voice)
	if err != nil {
		t.Fatal(err)
	}
	lv := new(slog.LevelVar)
	a := &App{cfg: old, logLevel: lv}
	a.voice.Store(vs)

	updated := reloadConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Voice.Trigger.Phrases = []string{"yo barkeep"}
	updated.Voice.SettleDelay = 3 * time.Second
	updated.Store.PostgresDSN = "postgres://localhost/barkeep"

	a.applyReload(config.Reload{Old: old, New: updated, Diff: config.Diff(old, updated)})

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	got := a.voice.Load()
	if got == vs {
		t.Fatal("voice settings were not swapped")
	}
	if !got.trigger.Match("yo barkeep").Matched {
		t.Error("new trigger phrase not applied")
	}
	if got.settle != 3*time.Second {
		t.Errorf("settle = %v, want 3s", got.settle)
	}
}

func TestApplyReload_RejectsBadVoiceSettings(t *testing.T) {
	t.Parallel()

	old := reloadConfig()
	vs, err := newVoiceSettings(old.Voice)
	if err != nil {
		t.Fatal(err)
	}
	a := &App{cfg: old}
	a.voice.Store(vs)

	updated := reloadConfig()
	updated.Voice.InitialMode = "sleepy"
	updated.Voice.InactivityTimeout = time.Minute

	a.applyReload(config.Reload{Old: old, New: updated, Diff: config.Diff(old, updated)})
	if a.voice.Load() != vs {
		t.Error("invalid voice settings replaced the current ones")
	}
}
