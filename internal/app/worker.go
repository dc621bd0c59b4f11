package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/barkeep/internal/config"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/observe"
)

// RunWorker runs the dispatch worker: it opens the configured store, registers
// the POS tools and answers requests read from r on w until r is exhausted or
// ctx is cancelled.
//
// w carries the protocol, so logs must go to stderr.
func RunWorker(ctx context.Context, cfg *config.Config, r io.Reader, w io.Writer) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("app: worker store: %w", err)
	}
	defer st.Close()

	if err := seedStore(ctx, cfg, st); err != nil {
		return fmt.Errorf("app: worker seed: %w", err)
	}
	exec, _, err := newExecutor(ctx, st, observe.DefaultMetrics())
	if err != nil {
		return fmt.Errorf("app: worker pos: %w", err)
	}
	tools := dispatch.NewTools()
	if err := exec.Register(tools); err != nil {
		return fmt.Errorf("app: worker tools: %w", err)
	}

	slog.Info("worker ready", "tools", len(tools.Names()), "store", cfg.Store.Driver)
	if err := dispatch.Serve(ctx, r, w, tools); err != nil {
		return fmt.Errorf("app: worker: %w", err)
	}
	return nil
}
