package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/resilience"
)

// Classifier sorts an utterance no rule matched into [Help], [MenuView] or
// [GeneralInquiry]. summary is the client's recent conversation.
type Classifier interface {
	Classify(ctx context.Context, transcript, summary string) (Intent, error)
}

// KeywordClassifier is the default offline classifier.
type KeywordClassifier struct{}

var (
	helpWords = words("help", "what can you do", "how does this work", "commands")
	menuWords = words("menu", "what do you have", "what drinks", "what's on tap", "whats on tap", "specials", "cocktails", "what beers", "what wines")
)

// Classify implements [Classifier].
func (KeywordClassifier) Classify(_ context.Context, transcript, _ string) (Intent, error) {
	text := normalize(transcript)
	switch {
	case helpWords.MatchString(text):
		return Help, nil
	case menuWords.MatchString(text):
		return MenuView, nil
	}
	return GeneralInquiry, nil
}

// Completer sends a single system + user prompt to a language model and
// returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const classifierPrompt = `You classify utterances spoken by a bartender to a point-of-sale assistant.
Reply with exactly one label and nothing else:
help - the bartender asks how to use the assistant
menu_view - the bartender asks what drinks are available
general_inquiry - anything else`

// LLMClassifier asks a language model for the label. Calls go through a
// circuit breaker; on any failure, including an open breaker or an
// unexpected reply, the fallback classifier answers instead.
type LLMClassifier struct {
	llm      Completer
	breaker  *resilience.CircuitBreaker
	fallback Classifier
	timeout  time.Duration
	metrics  *observe.Metrics
}

// LLMOption configures an [LLMClassifier].
type LLMOption func(*LLMClassifier)

// WithTimeout bounds each model call. Default: 3s.
func WithTimeout(d time.Duration) LLMOption {
	return func(c *LLMClassifier) { c.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) LLMOption {
	return func(c *LLMClassifier) { c.breaker = cb }
}

// WithClassifierMetrics records call latency on m.
func WithClassifierMetrics(m *observe.Metrics) LLMOption {
	return func(c *LLMClassifier) { c.metrics = m }
}

// NewLLMClassifier returns a classifier backed by llm.
func NewLLMClassifier(llm Completer, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{llm: llm, fallback: KeywordClassifier{}, timeout: 3 * time.Second}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "intent-llm"})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Classify implements [Classifier].
func (c *LLMClassifier) Classify(ctx context.Context, transcript, summary string) (Intent, error) {
	prompt := "Utterance: " + transcript
	if summary != "" {
		prompt = "Recent conversation:\n" + summary + "\n" + prompt
	}

	var label Intent
	start := time.Now()
	err := c.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		reply, err := c.llm.Complete(ctx, classifierPrompt, prompt)
		if err != nil {
			return err
		}
		l, ok := parseLabel(reply)
		if !ok {
			return fmt.Errorf("unexpected label %q", reply)
		}
		label = l
		return nil
	})
	c.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Debug("intent: llm classifier unavailable, using keywords", "err", err)
		return c.fallback.Classify(ctx, transcript, summary)
	}
	return label, nil
}

// parseLabel accepts a reply that starts with one of the three labels.
func parseLabel(reply string) (Intent, bool) {
	s := strings.ToLower(strings.TrimSpace(reply))
	s = strings.Trim(s, "`\"'. ")
	for _, l := range []Intent{MenuView, GeneralInquiry, Help} {
		if strings.HasPrefix(s, string(l)) {
			return l, true
		}
	}
	return "", false
}

// AnyLLM is a [Completer] backed by github.com/mozilla-ai/any-llm-go.
type AnyLLM struct {
	backend anyllmlib.Provider
	model   string
}

// NewAnyLLM creates a completer for providerName ("openai", "anthropic",
// "gemini", "ollama", "mistral", "groq"). Without an API key option the
// provider reads its usual environment variable.
func NewAnyLLM(providerName, model string, opts ...anyllmlib.Option) (*AnyLLM, error) {
	if model == "" {
		return nil, fmt.Errorf("intent: llm model must not be empty")
	}
	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "mistral":
		backend, err = mistral.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, fmt.Errorf("intent: unsupported llm provider %q", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("intent: create %q backend: %w", providerName, err)
	}
	return &AnyLLM{backend: backend, model: model}, nil
}

// Complete implements [Completer].
func (a *AnyLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	maxTokens := 8
	temp := 0.0
	resp, err := a.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: a.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return "", fmt.Errorf("intent: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("intent: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
