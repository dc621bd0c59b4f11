package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// Reload is one effective change of the watched config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileVersion identifies the content last read from disk.
type fileVersion struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls the barkeep config file and hands every effective change to
// an apply function.
//
// A file that fails to load or validate is rejected: the previous config
// stays current and the rejection is reported by [Watcher.Rejected] until a
// valid file replaces it. Edits that change nothing [Diff] looks at, such as
// comments or key order, are absorbed without calling apply.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(Reload)

	mu       sync.Mutex
	current  *Config
	seen     fileVersion
	rejected error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
// apply may be nil.
func NewWatcher(path string, apply func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, apply: apply}
	for _, o := range opts {
		o(w)
	}
	cfg, v, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, v
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Rejected returns why the file on disk is not the current config, or nil.
func (w *Watcher) Rejected() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
			}
		}
	}
}

// Check polls the file once and reports whether apply was called. An error
// means the file changed but was rejected; the same content is not reported
// twice.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime) && info.Size() == w.seen.size
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	v := fileVersion{mtime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}

	w.mu.Lock()
	if v.sum == w.seen.sum {
		w.seen = v
		w.mu.Unlock()
		return false, nil
	}
	w.seen = v
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = err
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.rejected = nil
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.IsZero() {
		slog.Debug("config: file changed without effect", "path", w.path)
		return false, nil
	}
	slog.Info("config: reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"phrases", d.PhrasesChanged,
		"timing", d.TimingChanged,
		"restart_required", d.RestartRequired,
	)
	if w.apply != nil {
		w.apply(Reload{Old: old, New: cfg, Diff: d})
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fileVersion, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileVersion{}, err
	}
	return cfg, fileVersion{mtime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
