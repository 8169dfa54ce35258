package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/quantara/perpbot/internal/domain"
	"github.com/quantara/perpbot/internal/engine"
	"github.com/quantara/perpbot/internal/loop"
	"github.com/quantara/perpbot/internal/risk"
	"github.com/quantara/perpbot/internal/strategy"
)

// TradeMode reconciles persisted state against the exchange and runs the
// full decide-gate-execute loop. A reconciliation mismatch downgrades to
// monitor-only operation instead of trading on top of disputed state.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering trade mode")

	eng := engine.New(deps.Exec, deps.PositionStore, deps.TradeStore, deps.AuditStore,
		a.cfg.Strategy, a.cfg.Risk, a.cfg.Loop, a.logger)

	open, err := eng.Recover(ctx, a.cfg.Strategy.Instruments)
	if err != nil {
		if errors.Is(err, domain.ErrReconciliationMismatch) {
			a.logger.ErrorContext(ctx, "reconciliation mismatch, downgrading to monitor mode",
				"err", err)
			deps.Notifier.Halted(ctx, fmt.Sprintf("reconciliation mismatch: %v", err))
			_ = deps.AuditStore.Log(ctx, "reconciliation_mismatch", map[string]any{"detail": err.Error()})
			return a.MonitorMode(ctx, deps)
		}
		return fmt.Errorf("app: boot reconciliation: %w", err)
	}
	deps.Notifier.Recovered(ctx, len(open))

	equity, err := deps.Exec.Equity(ctx)
	if err != nil {
		return fmt.Errorf("app: starting equity: %w", err)
	}

	cfg := *a.cfg
	l := loop.New(cfg, loop.Deps{
		Feed:     deps.Feed,
		Strategy: strategy.New(cfg.Strategy, cfg.Risk),
		Engine:   eng,
		Breakers: risk.NewBreakers(cfg.Risk, equity),
		Exec:     deps.Exec,
		Equities: deps.EquityStore,
		Signals:  deps.SignalStore,
		Trades:   deps.TradeStore,
		Status:   deps.StatusCache,
		Bus:      deps.EventBus,
		Notifier: deps.Notifier,
		Archiver: deps.Archiver,
	}, open, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	a.startPriceStream(ctx, deps)

	g.Go(func() error {
		return l.Run(ctx)
	})
	return g.Wait()
}

// MonitorMode runs the loop without taking any actions: signals are fetched
// and logged, equity snapshots recorded, and the status snapshot published.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering monitor mode")

	open, err := deps.PositionStore.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("app: load positions: %w", err)
	}

	equity, err := deps.Exec.Equity(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "starting equity unavailable", "err", err)
	}

	cfg := *a.cfg
	cfg.Mode = "monitor"

	eng := engine.New(deps.Exec, deps.PositionStore, deps.TradeStore, deps.AuditStore,
		cfg.Strategy, cfg.Risk, cfg.Loop, a.logger)

	l := loop.New(cfg, loop.Deps{
		Feed:     deps.Feed,
		Strategy: strategy.New(cfg.Strategy, cfg.Risk),
		Engine:   eng,
		Breakers: risk.NewBreakers(cfg.Risk, equity),
		Exec:     deps.Exec,
		Equities: deps.EquityStore,
		Signals:  deps.SignalStore,
		Trades:   deps.TradeStore,
		Status:   deps.StatusCache,
		Bus:      deps.EventBus,
		Notifier: deps.Notifier,
		Archiver: deps.Archiver,
	}, open, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	a.startPriceStream(ctx, deps)

	g.Go(func() error {
		return l.Run(ctx)
	})
	return g.Wait()
}

// startPriceStream connects the websocket feed, subscribes the configured
// instruments, and routes ticks into the price cache. Stream failures are
// non-fatal; the loop falls back to REST polling.
func (a *App) startPriceStream(ctx context.Context, deps *Dependencies) {
	if deps.WS == nil {
		return
	}
	if err := deps.WS.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "price stream unavailable, using REST only", "err", err)
		return
	}
	deps.WS.OnTick(func(tick domain.Tick) {
		if err := deps.PriceCache.SetTick(ctx, tick); err != nil {
			a.logger.Debug("stream tick cache write failed", "instrument", tick.Instrument, "err", err)
		}
	})
	if err := deps.WS.Subscribe(a.cfg.Strategy.Instruments); err != nil {
		a.logger.WarnContext(ctx, "price stream subscribe failed", "err", err)
	}
}
