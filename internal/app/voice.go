package app

import (
	"time"

	"github.com/MrWong99/barkeep/internal/config"
	"github.com/MrWong99/barkeep/internal/phrase"
	"github.com/MrWong99/barkeep/internal/voice"
)

// voiceSettings is an immutable snapshot of the session settings. New
// sessions read the latest snapshot; running sessions keep theirs.
type voiceSettings struct {
	initialMode   voice.Mode
	inactivity    time.Duration
	settle        time.Duration
	minConfidence float64
	trigger       *phrase.Matcher
	termination   *phrase.Matcher
}

func newVoiceSettings(vc config.VoiceConfig) (*voiceSettings, error) {
	mode, err := voice.ParseControlMode(vc.InitialMode)
	if err != nil {
		return nil, err
	}
	triggerPhrases := vc.Trigger.Phrases
	if len(triggerPhrases) == 0 {
		triggerPhrases = phrase.DefaultTriggerPhrases
	}
	terminationPhrases := vc.Termination.Phrases
	if len(terminationPhrases) == 0 {
		terminationPhrases = phrase.DefaultTerminationPhrases
	}
	return &voiceSettings{
		initialMode:   mode,
		inactivity:    vc.InactivityTimeout,
		settle:        vc.SettleDelay,
		minConfidence: vc.MinConfidence,
		trigger:       phrase.NewTrigger(triggerPhrases, phraseOptions(vc.Trigger, vc.DenyList)...),
		termination:   phrase.NewTermination(terminationPhrases, phraseOptions(vc.Termination, vc.DenyList)...),
	}, nil
}

// phraseOptions maps the non-zero settings of p onto matcher options.
func phraseOptions(p config.PhraseSetConfig, deny []string) []phrase.Option {
	var opts []phrase.Option
	if p.Threshold > 0 {
		opts = append(opts, phrase.WithThreshold(p.Threshold))
	}
	if p.MinLength > 0 {
		opts = append(opts, phrase.WithMinLength(p.MinLength))
	}
	if deny != nil {
		opts = append(opts, phrase.WithDenyList(deny))
	}
	return opts
}
