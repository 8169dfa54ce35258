// Package app provides top-level application lifecycle management. It wires
// all dependencies (stores, caches, gateways, notifications, the trading
// core) and starts the goroutines the configured operating mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantara/perpbot/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, selects the operating mode, and blocks until
// the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("dry_run", a.cfg.DryRun),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
