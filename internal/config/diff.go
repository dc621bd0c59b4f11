package config

import "slices"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PhrasesChanged is true when any trigger or termination setting, the
	// deny list, or the confidence floor changed.
	PhrasesChanged bool

	// TimingChanged is true when the initial mode or a voice timer changed.
	TimingChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.PhrasesChanged && !d.TimingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.Voice, new.Voice
	if !phraseSetEqual(ov.Trigger, nv.Trigger) ||
		!phraseSetEqual(ov.Termination, nv.Termination) ||
		!slices.Equal(ov.DenyList, nv.DenyList) ||
		ov.MinConfidence != nv.MinConfidence {
		d.PhrasesChanged = true
	}
	if ov.InitialMode != nv.InitialMode || ov.InactivityTimeout != nv.InactivityTimeout || ov.SettleDelay != nv.SettleDelay {
		d.TimingChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Dispatch.Mode != new.Dispatch.Mode || !slices.Equal(old.Dispatch.WorkerCommand, new.Dispatch.WorkerCommand) {
		d.RestartRequired = append(d.RestartRequired, "dispatch")
	}
	if old.Intent != new.Intent {
		d.RestartRequired = append(d.RestartRequired, "intent")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if len(old.Catalog) != len(new.Catalog) || !slices.EqualFunc(old.Catalog, new.Catalog, catalogEntryEqual) {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}

	return d
}

func phraseSetEqual(a, b PhraseSetConfig) bool {
	return a.Threshold == b.Threshold && a.MinLength == b.MinLength && slices.Equal(a.Phrases, b.Phrases)
}

func catalogEntryEqual(a, b CatalogEntry) bool {
	if a.Containers != b.Containers || a.ID != b.ID || a.Name != b.Name ||
		a.Category != b.Category || a.PriceCents != b.PriceCents ||
		a.ServingsPerContainer != b.ServingsPerContainer {
		return false
	}
	return slices.Equal(a.Recipe, b.Recipe)
}
