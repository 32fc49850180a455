// Command spine runs the coordination server: the HTTP API, the lease
// reaper and the file-backed job store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/config"
	"github.com/garnizeh/spine/internal/jobs"
	"github.com/garnizeh/spine/internal/metrics"
	"github.com/garnizeh/spine/internal/server"
	"github.com/garnizeh/spine/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "spine",
		Short:         "File-backed job queue coordinating a head and its claws",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	tokens, err := auth.NewTokenSet(cfg.HeadTokens, cfg.LeftClawTokens, cfg.RightClawTokens)
	if err != nil {
		return fmt.Errorf("build token sets: %w", err)
	}

	m := metrics.New()
	mgr := jobs.NewManager(st, cfg.LeaseDuration, cfg.DefaultMaxAttempts, m, logger)
	srv := server.New(cfg, mgr, st, tokens, m, logger)
	srv.RegisterRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := jobs.NewReaper(st, cfg.ReaperInterval, m, logger)
	go reaper.Run(ctx)

	logger.Info("starting server",
		"addr", cfg.Addr(),
		"data_dir", cfg.DataDir,
		"lease", cfg.LeaseDuration,
		"reaper_interval", cfg.ReaperInterval)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server exited cleanly")
	return nil
}

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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
