// Command pagerun runs the workflow batch engine and serves it over MCP stdio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/pagerun/internal/batch"
	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/internal/handlers"
	"github.com/rendis/pagerun/internal/logging"
	"github.com/rendis/pagerun/internal/schedule"
	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/internal/validation"
	"github.com/rendis/pagerun/pkg/mcp"
	"github.com/rendis/pagerun/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pagerun:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if cfg.HistoryKeep > 0 {
		if n, err := st.PruneBatchHistory(ctx, cfg.HistoryKeep); err != nil {
			logger.Warn("history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned batch history", "removed", n, "kept", cfg.HistoryKeep)
		}
	}

	// Expression engines.
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel engine: %w", err)
	}
	expr := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()

	// Node dispatch.
	wait := engine.NewWaitHelper(logger)
	registry := handlers.NewDefaultRegistry(jq, expr, logger)
	dispatcher := handlers.NewDispatcher(registry, wait, expr, logger)

	// Batch scheduling. The nop driver stands in until a real browser
	// backend is linked in.
	sched := batch.NewScheduler(batch.SchedulerOptions{
		Driver:     driver.NewNop(logger),
		Store:      st,
		Dispatcher: dispatcher,
		CEL:        cel,
		Logger:     logger,
		MaxWorkers: cfg.MaxWorkers,
	})
	defer sched.Close(context.Background())

	// Recurring batches.
	if cfg.CronEnabled {
		cron := schedule.NewCronRunner(st, sched, logger)
		if err := cron.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-schedule recovery failed", "error", err)
		}
		if err := cron.Start(ctx); err != nil {
			return fmt.Errorf("start cron runner: %w", err)
		}
		defer cron.Stop()
	}

	// MCP surface.
	validator, err := validation.NewGraphValidator()
	if err != nil {
		return fmt.Errorf("init graph validator: %w", err)
	}
	srv := mcp.NewPageRunServer(mcp.PageRunServerDeps{
		Runner:    sched,
		Store:     st,
		Validator: validator,
		Scanner: func(root string, recursive bool, pattern string) ([]schema.WorkflowFileInfo, error) {
			return batch.ScanFolder(root, batch.ScanOptions{Recursive: recursive, Pattern: pattern})
		},
		Logger: logger,
	})

	logger.Info("pagerun started",
		"db", cfg.DBPath,
		"max_workers", cfg.MaxWorkers,
		"cron", cfg.CronEnabled,
	)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	logger.Info("pagerun shutting down")
	return nil
}

// newLogger builds the default slog logger: text to stderr (stdout carries
// the MCP transport) wrapped with batch/run/node correlation attributes.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
