// Package phrase implements fuzzy detection of short spoken phrases such as
// wake triggers ("hey bev") and termination phrases ("that's all").
//
// Confidence is the normalised Levenshtein similarity between the input and a
// known phrase:
//
//	confidence = (maxLen - distance) / maxLen
//
// where maxLen is the rune length of the longer of the two strings. A match is
// declared only when the best confidence reaches the configured threshold
// (inclusive), the input is not a deny-listed filler utterance, and the input
// is at least the configured minimum length. Edit distance tolerates STT
// misrecognitions ("hey beth", "hey bevv") that plain substring checks reject,
// while the deny list and length floor keep ordinary speech from waking the
// session.
package phrase

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Default thresholds for the two phrase sets used by a voice session.
const (
	DefaultTriggerThreshold     = 0.65
	DefaultTerminationThreshold = 0.60
	DefaultMinLength            = 3
)

// DefaultTriggerPhrases is the built-in wake phrase set.
var DefaultTriggerPhrases = []string{"hey bev", "hi bev", "okay bev", "hello bev"}

// DefaultTerminationPhrases is the built-in set of phrases that end a command
// session early.
var DefaultTerminationPhrases = []string{"that's all", "that is all", "never mind", "stop listening", "cancel"}

// DefaultDenyList holds very short or common utterances that must never match,
// regardless of their similarity score.
var DefaultDenyList = []string{
	"hey", "hi", "ok", "okay", "um", "uh", "uhh", "hmm", "yeah", "yes", "no",
	"the", "a", "and", "so", "well", "right", "bye",
}

// Result describes the outcome of a [Matcher.Match] call.
type Result struct {
	// Matched is true when Confidence reached the threshold and the input passed
	// the deny-list and length checks.
	Matched bool

	// Confidence is the best similarity in [0, 1] across all phrases, reported
	// even when Matched is false. For windowed matchers it may come from a
	// word window rather than the whole input.
	Confidence float64

	// WholeConfidence is the best similarity of the entire normalised input
	// against any phrase, without windows.
	WholeConfidence float64

	// Phrase is the known phrase with the best similarity. Empty when the
	// input was rejected before scoring.
	Phrase string

	// Remainder is the normalised text that followed the matched word window,
	// e.g. "add two beers" for "hey bev add two beers". Empty unless Matched.
	Remainder string
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithWindows enables word-window scoring: inputs longer than a phrase are
// also compared window by window and the words after the best window are
// returned as [Result.Remainder].
func WithWindows() Option {
	return func(m *Matcher) {
		m.windows = true
	}
}

// WithThreshold sets the minimum confidence for a match.
func WithThreshold(t float64) Option {
	return func(m *Matcher) {
		m.threshold = t
	}
}

// WithMinLength sets the minimum number of runes the normalised input must
// have before it is scored.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// WithDenyList replaces the default deny list.
func WithDenyList(words []string) Option {
	return func(m *Matcher) {
		m.deny = make(map[string]struct{}, len(words))
		for _, w := range words {
			m.deny[Normalize(w)] = struct{}{}
		}
	}
}

// Matcher scores inputs against a fixed phrase set. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phrases   []string
	threshold float64
	minLength int
	windows   bool
	deny      map[string]struct{}
}

// New creates a Matcher for phrases. Without options the threshold is
// [DefaultTriggerThreshold], the minimum length is [DefaultMinLength] and the
// deny list is [DefaultDenyList].
func New(phrases []string, opts ...Option) *Matcher {
	m := &Matcher{
		threshold: DefaultTriggerThreshold,
		minLength: DefaultMinLength,
	}
	for _, p := range phrases {
		if n := Normalize(p); n != "" {
			m.phrases = append(m.phrases, n)
		}
	}
	WithDenyList(DefaultDenyList)(m)
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewTrigger returns a Matcher tuned for wake phrases. Word windows are
// enabled so "hey bev add two beers" wakes with remainder "add two beers".
func NewTrigger(phrases []string, opts ...Option) *Matcher {
	return New(phrases, append([]Option{WithThreshold(DefaultTriggerThreshold), WithWindows()}, opts...)...)
}

// NewTermination returns a Matcher tuned for termination phrases. It scores
// the whole utterance only, so a command that merely contains a word close
// to a termination phrase ("add one jameson" against "done") is not
// swallowed.
func NewTermination(phrases []string, opts ...Option) *Matcher {
	return New(phrases, append([]Option{WithThreshold(DefaultTerminationThreshold)}, opts...)...)
}

// Threshold returns the configured match threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Phrases returns a copy of the normalised phrase set.
func (m *Matcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	copy(out, m.phrases)
	return out
}

// Match scores input against every phrase. The whole input is always
// compared. With [WithWindows], inputs longer than a phrase are additionally
// compared window by window (windows the same word count as the phrase,
// anchored at each word) so a trigger followed by a command in the same
// utterance still matches.
func (m *Matcher) Match(input string) Result {
	norm := Normalize(input)
	if len([]rune(norm)) < m.minLength {
		return Result{}
	}
	if _, denied := m.deny[norm]; denied {
		return Result{}
	}

	words := strings.Fields(norm)
	var best Result
	var whole float64
	for _, p := range m.phrases {
		c := Similarity(norm, p)
		whole = max(whole, c)
		if c > best.Confidence {
			best = Result{Confidence: c, Phrase: p}
		}

		n := len(strings.Fields(p))
		if !m.windows || n >= len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if c := Similarity(window, p); c > best.Confidence {
				best = Result{
					Confidence: c,
					Phrase:     p,
					Remainder:  strings.Join(words[i+n:], " "),
				}
			}
		}
	}

	best.WholeConfidence = whole
	if best.Phrase == "" || best.Confidence < m.threshold {
		best.Remainder = ""
		return best
	}
	best.Matched = true
	return best
}

// Similarity returns (maxLen - distance) / maxLen for a and b. Two empty
// strings are identical (1.0).
func Similarity(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1
	}
	d := matchr.Levenshtein(a, b)
	return float64(maxLen-d) / float64(maxLen)
}

// Normalize lower-cases s, drops punctuation other than apostrophes and
// collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}
