// Package speech turns reply text into audio for the voice client. It is an
// optional boundary: without a configured provider replies are text only.
package speech

import (
	"context"
	"errors"

	"github.com/MrWong99/barkeep/internal/resilience"
)

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("speech: text is empty")

// Synthesizer renders text as raw PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SynthesizerFunc adapts a function to [Synthesizer].
type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

// Synthesize implements [Synthesizer].
func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Fallback tries synthesizers in registration order, each behind its own
// circuit breaker.
type Fallback struct {
	group *resilience.FallbackGroup[Synthesizer]
}

var _ Synthesizer = (*Fallback)(nil)

// NewFallback returns a Fallback with primary as the preferred synthesizer.
func NewFallback(primary Synthesizer, name string, cfg resilience.FallbackConfig) *Fallback {
	return &Fallback{group: resilience.NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another synthesizer tried after the ones before it.
func (f *Fallback) AddFallback(name string, s Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize implements [Synthesizer].
func (f *Fallback) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	return resilience.ExecuteWithResult(f.group, func(s Synthesizer) ([]byte, error) {
		return s.Synthesize(ctx, text)
	})
}
