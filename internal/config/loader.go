package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultInitialMode       = "wake_word"
	DefaultInactivityTimeout = 10 * time.Second
	DefaultSettleDelay       = 1500 * time.Millisecond
	DefaultDispatchTimeout   = 10 * time.Second
	DefaultRetryBaseDelay    = 500 * time.Millisecond
	DefaultMaxRestarts       = 5
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMessagesPerSecond = 20
	DefaultMessageBurst      = 40
	DefaultLLMTimeout        = 2 * time.Second
)

// ValidLLMProviders lists the any-llm-go backends the intent classifier can
// create.
var ValidLLMProviders = []string{"openai", "anthropic", "gemini", "ollama", "mistral", "groq"}

// ValidSpeechProviders lists the supported TTS providers.
var ValidSpeechProviders = []string{"elevenlabs"}

var validInitialModes = []string{"wake_word", "trigger_wait", "inactive"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.MessagesPerSecond == 0 {
		cfg.Server.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if cfg.Server.MessageBurst == 0 {
		cfg.Server.MessageBurst = DefaultMessageBurst
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
		if cfg.Store.PostgresDSN != "" {
			cfg.Store.Driver = StorePostgres
		}
	}

	if cfg.Voice.InitialMode == "" {
		cfg.Voice.InitialMode = DefaultInitialMode
	}
	if cfg.Voice.InactivityTimeout == 0 {
		cfg.Voice.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Voice.SettleDelay == 0 {
		cfg.Voice.SettleDelay = DefaultSettleDelay
	}

	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = DispatchDirect
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = DefaultDispatchTimeout
	}
	if cfg.Dispatch.RetryBaseDelay == 0 {
		cfg.Dispatch.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Dispatch.MaxRestartAttempts == 0 {
		cfg.Dispatch.MaxRestartAttempts = DefaultMaxRestarts
	}

	if cfg.Intent.LLM.Provider != "" && cfg.Intent.LLM.Timeout == 0 {
		cfg.Intent.LLM.Timeout = DefaultLLMTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MessagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.messages_per_second %.2f is negative", cfg.Server.MessagesPerSecond))
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
	}
	if cfg.Store.Driver == StoreMemory && len(cfg.Catalog) == 0 {
		slog.Warn("store.driver is memory but the catalog is empty; every drink will be unknown")
	}

	// Voice
	if cfg.Voice.InitialMode != "" && !slices.Contains(validInitialModes, cfg.Voice.InitialMode) {
		errs = append(errs, fmt.Errorf("voice.initial_mode %q is invalid; valid values: wake_word, trigger_wait, inactive", cfg.Voice.InitialMode))
	}
	if cfg.Voice.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.inactivity_timeout %s is negative", cfg.Voice.InactivityTimeout))
	}
	if cfg.Voice.MinConfidence < 0 || cfg.Voice.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("voice.min_confidence %.2f is out of range [0, 1]", cfg.Voice.MinConfidence))
	}
	errs = append(errs, validatePhraseSet("voice.trigger", cfg.Voice.Trigger)...)
	errs = append(errs, validatePhraseSet("voice.termination", cfg.Voice.Termination)...)

	// Dispatch
	if cfg.Dispatch.Mode != "" && !cfg.Dispatch.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("dispatch.mode %q is invalid; valid values: direct, process", cfg.Dispatch.Mode))
	}
	if cfg.Dispatch.MaxRestartAttempts < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_restart_attempts %d is negative", cfg.Dispatch.MaxRestartAttempts))
	}

	// Intent
	if p := cfg.Intent.LLM.Provider; p != "" {
		if !slices.Contains(ValidLLMProviders, p) {
			errs = append(errs, fmt.Errorf("intent.llm.provider %q is invalid; valid values: %v", p, ValidLLMProviders))
		}
		if cfg.Intent.LLM.Model == "" {
			errs = append(errs, errors.New("intent.llm.model is required when intent.llm.provider is set"))
		}
	}

	// Speech
	if p := cfg.Speech.Provider; p != "" {
		if !slices.Contains(ValidSpeechProviders, p) {
			errs = append(errs, fmt.Errorf("speech.provider %q is invalid; valid values: %v", p, ValidSpeechProviders))
		}
		if cfg.Speech.VoiceID == "" {
			errs = append(errs, errors.New("speech.voice_id is required when speech.provider is set"))
		}
		if cfg.Speech.APIKey == "" {
			slog.Warn("speech.api_key is empty; synthesis requests will likely be rejected")
		}
	}

	// Catalog
	ids := make(map[string]int, len(cfg.Catalog))
	for i, e := range cfg.Catalog {
		prefix := fmt.Sprintf("catalog[%d]", i)
		if err := e.Item.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if e.Containers < 0 {
			errs = append(errs, fmt.Errorf("%s.containers %d is negative", prefix, e.Containers))
		}
		if e.ID != "" {
			if prev, ok := ids[e.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of catalog[%d]", prefix, e.ID, prev))
			}
			ids[e.ID] = i
		}
	}

	return errors.Join(errs...)
}

func validatePhraseSet(prefix string, p PhraseSetConfig) []error {
	var errs []error
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%s.threshold %.2f is out of range [0, 1]", prefix, p.Threshold))
	}
	if p.MinLength < 0 {
		errs = append(errs, fmt.Errorf("%s.min_length %d is negative", prefix, p.MinLength))
	}
	return errs
}
