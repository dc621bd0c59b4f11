// Package app wires the barkeep subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithDispatcher, WithSpeaker, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/config"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/health"
	"github.com/MrWong99/barkeep/internal/intent"
	"github.com/MrWong99/barkeep/internal/inventory"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/pos"
	"github.com/MrWong99/barkeep/internal/resilience"
	"github.com/MrWong99/barkeep/internal/server"
	"github.com/MrWong99/barkeep/internal/speech"
	"github.com/MrWong99/barkeep/internal/speech/elevenlabs"
	"github.com/MrWong99/barkeep/internal/store"
	"github.com/MrWong99/barkeep/internal/store/postgres"
	"github.com/MrWong99/barkeep/internal/voice"
)

// WorkerArg is the subcommand that runs the binary as a dispatch worker.
const WorkerArg = "worker"

// App owns all subsystem lifetimes and serves the voice and display clients.
type App struct {
	cfg *config.Config

	// Subsystems: initialised in New, torn down in Shutdown.
	store      store.Store
	resolver   *catalog.Resolver
	executor   *pos.Executor
	tools      *dispatch.Tools
	dispatcher dispatch.Dispatcher
	classifier intent.Classifier
	extractor  *intent.Extractor
	speaker    speech.Synthesizer
	hub        *broadcast.Hub
	pipeline   *voice.Pipeline
	sessions   *voice.Registry
	health     *health.Handler
	server     *server.Server
	watcher    *config.Watcher

	metrics        *observe.Metrics
	metricsHandler http.Handler
	spawn          dispatch.SpawnFunc
	logLevel       *slog.LevelVar
	configPath     string

	// voice holds the settings applied to new sessions. Hot reloads swap it.
	voice atomic.Pointer[voiceSettings]

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The App
// still seeds it from the catalog section when it implements [store.Seeder].
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDispatcher injects a dispatcher instead of creating one from
// dispatch.mode.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(a *App) { a.dispatcher = d }
}

// WithWorkerSpawn overrides how the process dispatcher starts its worker.
// Default: the command from dispatch.worker_command, or this binary with the
// "worker" argument.
func WithWorkerSpawn(fn dispatch.SpawnFunc) Option {
	return func(a *App) { a.spawn = fn }
}

// WithClassifier injects the fallback intent classifier instead of creating
// the LLM classifier from intent.llm.
func WithClassifier(c intent.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// WithSpeaker injects a speech synthesizer instead of creating one from the
// speech section.
func WithSpeaker(s speech.Synthesizer) Option {
	return func(a *App) { a.speaker = s }
}

// WithMetrics sets the instruments and the /metrics handler.
// Default: [observe.DefaultMetrics] and no /metrics route.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithLogLevel lets hot reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigPath names the file the config was loaded from. The file is
// watched and hot-reloadable changes (log level, phrase sets, voice timing)
// are applied to new sessions. The default worker command receives it too.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and
// seeding, catalog loading, dispatcher start, classifier and speech setup,
// and server assembly. On error every subsystem created so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Catalog + POS tools ───────────────────────────────────────────
	if err := a.initPOS(ctx); err != nil {
		return fmt.Errorf("app: init pos: %w", err)
	}

	// ── 3. Dispatcher ────────────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 4. Intent extraction ─────────────────────────────────────────────
	if err := a.initIntent(); err != nil {
		return fmt.Errorf("app: init intent: %w", err)
	}

	// ── 5. Speech ────────────────────────────────────────────────────────
	if err := a.initSpeech(); err != nil {
		return fmt.Errorf("app: init speech: %w", err)
	}

	// ── 6. Broadcast + voice ─────────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		return fmt.Errorf("app: init voice: %w", err)
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return fmt.Errorf("app: init config watcher: %w", err)
	}

	// ── 8. Health + HTTP server ──────────────────────────────────────────
	a.initServer()
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured store unless one was injected, then seeds it.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		st, err := openStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.store = st
	}
	a.closers = append(a.closers, a.store.Close)
	return seedStore(ctx, a.cfg, a.store)
}

// initPOS loads the catalog snapshot and registers the POS tools.
func (a *App) initPOS(ctx context.Context) error {
	var err error
	a.executor, a.resolver, err = newExecutor(ctx, a.store, a.metrics)
	if err != nil {
		return err
	}
	a.tools = dispatch.NewTools()
	return a.executor.Register(a.tools)
}

// initDispatcher creates the command dispatcher for dispatch.mode.
func (a *App) initDispatcher() error {
	if a.dispatcher == nil {
		switch a.cfg.Dispatch.Mode {
		case config.DispatchProcess:
			spawn := a.spawn
			if spawn == nil {
				spawn = workerCommand(a.cfg.Dispatch.WorkerCommand, a.configPath)
			}
			p, err := dispatch.NewProcess(dispatch.ProcessConfig{
				Spawn:          spawn,
				Timeout:        a.cfg.Dispatch.Timeout,
				RetryBaseDelay: a.cfg.Dispatch.RetryBaseDelay,
				MaxRestarts:    a.cfg.Dispatch.MaxRestartAttempts,
				Metrics:        a.metrics,
			})
			if err != nil {
				return err
			}
			a.dispatcher = p
		default:
			a.dispatcher = dispatch.NewDirect(a.tools, a.cfg.Dispatch.Timeout, a.metrics)
		}
	}
	a.closers = append(a.closers, a.dispatcher.Close)
	slog.Info("dispatcher ready", "mode", a.cfg.Dispatch.Mode, "tools", len(a.tools.Names()))
	return nil
}

// initIntent builds the extractor and, when intent.llm is configured, the LLM
// fallback classifier behind a circuit breaker.
func (a *App) initIntent() error {
	opts := []intent.Option{intent.WithMetrics(a.metrics)}
	if a.classifier == nil && a.cfg.Intent.LLM.Provider != "" {
		llm := a.cfg.Intent.LLM
		var llmOpts []anyllmlib.Option
		if llm.APIKey != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(llm.APIKey))
		}
		if llm.BaseURL != "" {
			llmOpts = append(llmOpts, anyllmlib.WithBaseURL(llm.BaseURL))
		}
		completer, err := intent.NewAnyLLM(llm.Provider, llm.Model, llmOpts...)
		if err != nil {
			return err
		}
		a.classifier = intent.NewLLMClassifier(completer,
			intent.WithTimeout(llm.Timeout),
			intent.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm:" + llm.Provider})),
			intent.WithClassifierMetrics(a.metrics),
		)
		slog.Info("llm intent classifier enabled", "provider", llm.Provider, "model", llm.Model)
	}
	if a.classifier != nil {
		opts = append(opts, intent.WithClassifier(a.classifier))
	}
	a.extractor = intent.NewExtractor(a.resolver, opts...)
	return nil
}

// initSpeech creates the TTS client for the speech section. Without a
// provider, replies are text only.
func (a *App) initSpeech() error {
	if a.speaker != nil || a.cfg.Speech.Provider == "" {
		return nil
	}
	sc := a.cfg.Speech
	var opts []elevenlabs.Option
	if sc.Model != "" {
		opts = append(opts, elevenlabs.WithModel(sc.Model))
	}
	if sc.OutputFormat != "" {
		opts = append(opts, elevenlabs.WithOutputFormat(sc.OutputFormat))
	}
	if sc.BaseURL != "" {
		opts = append(opts, elevenlabs.WithBaseURL(sc.BaseURL))
	}
	client, err := elevenlabs.New(sc.APIKey, sc.VoiceID, opts...)
	if err != nil {
		return err
	}
	a.speaker = speech.NewFallback(client, sc.Provider, resilience.FallbackConfig{})
	slog.Info("speech enabled", "provider", sc.Provider, "voice_id", sc.VoiceID)
	return nil
}

// initVoice assembles the broadcast hub, turn pipeline and session registry.
func (a *App) initVoice() error {
	vs, err := newVoiceSettings(a.cfg.Voice)
	if err != nil {
		return err
	}
	a.voice.Store(vs)

	a.hub = broadcast.NewHub(broadcast.WithMetrics(a.metrics))
	popts := []voice.PipelineOption{voice.WithPipelineMetrics(a.metrics)}
	if a.speaker != nil {
		popts = append(popts, voice.WithSpeaker(a.speaker))
	}
	a.pipeline = voice.NewPipeline(a.extractor, a.dispatcher, a.hub, popts...)

	contexts := a.extractor.Contexts()
	a.sessions = voice.NewRegistry(voice.Hooks{
		OnDestroy: func(s *voice.Session) {
			contexts.Drop(s.ID())
			slog.Debug("voice session destroyed", "session_id", s.ID())
		},
	}, a.metrics)
	return nil
}

// initWatcher prepares the config watcher when a config path was given.
// It polls while the app serves.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyReload)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// initServer builds the health checks and the HTTP server.
func (a *App) initServer() {
	a.health = health.New([]health.Checker{
		{Name: "store", Check: a.store.Ping},
		{Name: "dispatcher", Check: func(context.Context) error {
			if !a.dispatcher.Ready() {
				return errors.New("worker not ready")
			}
			return nil
		}},
	})

	sc := a.cfg.Server
	cfg := server.Config{
		ListenAddr:        sc.ListenAddr,
		WriteTimeout:      sc.WriteTimeout,
		MessagesPerSecond: sc.MessagesPerSecond,
		MessageBurst:      sc.MessageBurst,
	}
	if sc.TLS != nil {
		cfg.CertFile, cfg.KeyFile = sc.TLS.CertFile, sc.TLS.KeyFile
	}
	opts := []server.Option{server.WithHealth(a.health), server.WithMetrics(a.metrics)}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(cfg, a.hub, a.sessions, a.newSession, opts...)
}

// newSession builds a voice session with the current voice settings.
func (a *App) newSession(clientID string, out voice.Responder) *voice.Session {
	vs := a.voice.Load()
	return voice.NewSession(clientID, voice.Config{
		InitialMode:       vs.initialMode,
		InactivityTimeout: vs.inactivity,
		SettleDelay:       vs.settle,
		Trigger:           vs.trigger,
		Termination:       vs.termination,
		MinConfidence:     vs.minConfidence,
		Metrics:           a.metrics,
	}, a.pipeline, out)
}

// applyReload applies the hot-reloadable part of a changed config file.
func (a *App) applyReload(r config.Reload) {
	d := r.Diff
	if d.IsZero() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PhrasesChanged || d.TimingChanged {
		vs, err := newVoiceSettings(r.New.Voice)
		if err != nil {
			slog.Warn("config reload: voice settings rejected", "err", err)
		} else {
			a.voice.Store(vs)
			slog.Info("config reload: voice settings updated for new sessions")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes every live voice
// session.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Serve(gctx, ln) })
	g.Go(func() error {
		<-gctx.Done()
		a.sessions.CloseAll()
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("barkeep running",
		"addr", ln.Addr().String(),
		"store", a.cfg.Store.Driver,
		"dispatch", a.cfg.Dispatch.Mode,
	)
	return g.Wait()
}

// Handler returns the HTTP handler for in-process serving (tests).
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the live voice sessions.
func (a *App) Sessions() *voice.Registry { return a.sessions }

// Store returns the backing store.
func (a *App) Store() store.Store { return a.store }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Close voice sessions first so no turn reaches a closed dispatcher.
		if a.sessions != nil {
			a.sessions.CloseAll()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// openStore connects to the configured backend. PostgreSQL schemas are
// migrated on open.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case config.StorePostgres:
		pg, err := postgres.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		slog.Info("postgres store connected")
		return pg, nil
	default:
		return store.NewMemStore(), nil
	}
}

// seedStore inserts the configured catalog. The in-memory store is always
// seeded; other stores only when store.seed_catalog is set.
func seedStore(ctx context.Context, cfg *config.Config, st store.Store) error {
	if len(cfg.Catalog) == 0 || (cfg.Store.Driver != config.StoreMemory && !cfg.Store.SeedCatalog) {
		return nil
	}
	seeder, ok := st.(store.Seeder)
	if !ok {
		return nil
	}
	items := make([]store.SeedItem, len(cfg.Catalog))
	for i, e := range cfg.Catalog {
		items[i] = store.SeedItem{Item: e.Item, Containers: e.Containers}
	}
	if err := seeder.Seed(ctx, items); err != nil {
		return err
	}
	slog.Info("catalog seeded", "items", len(items))
	return nil
}

// newExecutor loads the catalog snapshot from st and builds the POS executor
// on top of it.
func newExecutor(ctx context.Context, st store.Store, m *observe.Metrics) (*pos.Executor, *catalog.Resolver, error) {
	items, err := st.CatalogItems(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	snap, err := catalog.NewSnapshot(items)
	if err != nil {
		return nil, nil, err
	}
	resolver := catalog.NewResolver(snap)
	engine := inventory.New(st, resolver, inventory.WithMetrics(m))
	slog.Info("catalog loaded", "items", len(items))
	return pos.New(st, engine, resolver), resolver, nil
}

// workerCommand returns the spawn function for the configured worker command,
// defaulting to this binary with the worker argument and the config path.
func workerCommand(argv []string, configPath string) dispatch.SpawnFunc {
	if len(argv) > 0 {
		return dispatch.Command(argv[0], argv[1:]...)
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := []string{WorkerArg}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return dispatch.Command(exe, args...)
}
