// Command barkeep is the entry point for the barkeep voice POS server.
//
//	barkeep [-config config.yaml] [-env .env]          run the server
//	barkeep worker [-config config.yaml] [-env .env]   run a dispatch worker on stdin/stdout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/barkeep/internal/app"
	"github.com/MrWong99/barkeep/internal/config"
	"github.com/MrWong99/barkeep/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	worker := len(args) > 0 && args[0] == app.WorkerArg
	if worker {
		args = args[1:]
	}

	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags := flag.NewFlagSet("barkeep", flag.ContinueOnError)
	configPath := flags.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flags.String("env", ".env", "optional dotenv file loaded before the config")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "barkeep: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "barkeep: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "barkeep: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs always go to stderr; in worker mode stdout carries the protocol.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if worker {
		logger = logger.With("role", "worker", "pid", os.Getpid())
	}
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if worker {
		return runWorker(ctx, cfg)
	}
	return runServer(ctx, cfg, *configPath, level)
}

func runWorker(ctx context.Context, cfg *config.Config) int {
	if err := app.RunWorker(ctx, cfg, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker error", "err", err)
		return 1
	}
	return 0
}

func runServer(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) int {
	slog.Info("barkeep starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithMetrics(observe.DefaultMetrics(), provider.Handler()),
		app.WithLogLevel(level),
		app.WithConfigPath(configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// printStartupSummary writes a short overview of the active configuration.
func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        barkeep: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Store", string(cfg.Store.Driver))
	printRow("Dispatch", string(cfg.Dispatch.Mode))
	printRow("Intent LLM", orDisabled(cfg.Intent.LLM.Provider, cfg.Intent.LLM.Model))
	printRow("Speech", orDisabled(cfg.Speech.Provider, cfg.Speech.VoiceID))
	printRow("Initial mode", cfg.Voice.InitialMode)
	fmt.Printf("║  %-15s : %-19d ║\n", "Catalog items", len(cfg.Catalog))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orDisabled(name, detail string) string {
	switch {
	case name == "":
		return "(disabled)"
	case detail != "":
		return name + " / " + detail
	}
	return name
}
