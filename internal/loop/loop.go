// Package loop drives the single-threaded trading cycle: poll signals,
// decide, gate, execute, persist, publish, sleep. At most one iteration is
// ever in flight and shutdown only happens at iteration boundaries, so no
// transition is ever interrupted mid-flight.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
	"github.com/quantara/perpbot/internal/engine"
	"github.com/quantara/perpbot/internal/feed"
	"github.com/quantara/perpbot/internal/notify"
	"github.com/quantara/perpbot/internal/risk"
	"github.com/quantara/perpbot/internal/strategy"
)

// eventChannel is the pub/sub channel loop progress events are published on.
const eventChannel = "perpbot:events"

// Archiver moves aged trade history to cold storage. Optional.
type Archiver interface {
	Run(ctx context.Context) error
}

// Loop owns all mutable trading state. Nothing else writes positions,
// breakers, or the halt flag.
type Loop struct {
	cfg config.Config

	feed     *feed.Feed
	strategy *strategy.Engine
	engine   *engine.Engine
	breakers *risk.Breakers

	equities domain.EquityStore
	signals  domain.ChainSignalStore
	trades   domain.TradeStore
	status   domain.StatusCache
	bus      domain.EventBus
	notifier *notify.Notifier
	archiver Archiver // may be nil

	exec domain.ExecutionGateway

	log *slog.Logger
	now func() time.Time

	// Iteration-owned state.
	positions  map[string]*domain.Position
	halted     bool
	haltReason string
	iteration  int64
	lastEquity float64
	archiveDay int
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Feed     *feed.Feed
	Strategy *strategy.Engine
	Engine   *engine.Engine
	Breakers *risk.Breakers
	Exec     domain.ExecutionGateway
	Equities domain.EquityStore
	Signals  domain.ChainSignalStore
	Trades   domain.TradeStore
	Status   domain.StatusCache
	Bus      domain.EventBus
	Notifier *notify.Notifier
	Archiver Archiver
}

// New creates a loop seeded with the reconciled open positions.
func New(cfg config.Config, deps Deps, open []domain.Position, log *slog.Logger) *Loop {
	positions := make(map[string]*domain.Position, len(open))
	for i := range open {
		p := open[i]
		positions[p.Instrument] = &p
	}
	return &Loop{
		cfg:       cfg,
		feed:      deps.Feed,
		strategy:  deps.Strategy,
		engine:    deps.Engine,
		breakers:  deps.Breakers,
		exec:      deps.Exec,
		equities:  deps.Equities,
		signals:   deps.Signals,
		trades:    deps.Trades,
		status:    deps.Status,
		bus:       deps.Bus,
		notifier:  deps.Notifier,
		archiver:  deps.Archiver,
		log:       log.With("component", "loop"),
		now:       func() time.Time { return time.Now().UTC() },
		positions: positions,
	}
}

// Run executes iterations until ctx is cancelled. Cancellation is honoured
// only between iterations; a cycle that has started always completes its
// persistence before the loop returns.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.cfg.Loop.PollingInterval()
	l.log.Info("loop starting",
		"mode", l.cfg.Mode, "dry_run", l.cfg.DryRun,
		"instruments", l.cfg.Strategy.Instruments, "interval", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	// Iterations run detached from the shutdown signal: a transition that has
	// started must finish its submission and persistence even if SIGINT
	// arrives mid-flight. Per-call gateway timeouts still bound every network
	// operation, and cancellation is observed at the select above.
	iterCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			l.log.Info("loop stopped", "iterations", l.iteration)
			return ctx.Err()
		case <-timer.C:
		}

		started := l.now()
		l.runIteration(iterCtx, started)
		elapsed := l.now().Sub(started)

		if elapsed > interval {
			l.log.Warn("iteration overran polling interval",
				"elapsed", elapsed, "interval", interval)
			timer.Reset(0)
		} else {
			timer.Reset(interval - elapsed)
		}
	}
}

// runIteration executes one full cycle. It never returns an error: failures
// degrade the iteration (skip an instrument, reuse last equity) rather than
// killing the loop; only a fatal submission failure flips the halt latch.
func (l *Loop) runIteration(ctx context.Context, started time.Time) {
	l.iteration++
	log := l.log.With("iteration", l.iteration)

	equity := l.fetchEquity(ctx, log)
	realized := l.fetchRealized(ctx, log)

	snaps := make(map[string]domain.SignalSnapshot, len(l.cfg.Strategy.Instruments))
	marks := make(map[string]float64, len(l.cfg.Strategy.Instruments))
	for _, inst := range l.cfg.Strategy.Instruments {
		snap := l.feed.Snapshot(ctx, inst)
		l.feed.MarkStaleness(&snap)
		snaps[inst] = snap
		if snap.Tick.Price > 0 {
			marks[inst] = snap.Tick.Price
		}
		l.recordSignal(ctx, log, snap)
	}

	acct := domain.ComputeAccountState(equity, realized, l.openPositions(), marks)

	breakersOK, breakerReason := l.breakers.Check(equity)
	if !breakersOK && !l.halted {
		log.Warn("circuit breaker active, entries suspended", "reason", breakerReason)
	}

	if l.cfg.Mode == "trade" && !l.halted {
		for _, inst := range l.cfg.Strategy.Instruments {
			l.processInstrument(ctx, log, inst, snaps[inst], acct, breakersOK, breakerReason)
			if l.halted {
				break
			}
			// Account aggregates shift as actions land.
			acct = domain.ComputeAccountState(equity, realized, l.openPositions(), marks)
		}
	}

	l.persistEquity(ctx, log, acct)
	l.publishStatus(ctx, log, acct, started)
	l.maybeArchive(ctx, log)
}

// processInstrument runs decide -> gate -> apply for one instrument.
func (l *Loop) processInstrument(ctx context.Context, log *slog.Logger, inst string,
	snap domain.SignalSnapshot, acct domain.AccountState, breakersOK bool, breakerReason string) {

	pos := l.positions[inst]
	action := l.strategy.Decide(snap, pos, acct)
	if action.NoOp() {
		return
	}

	if action.Kind == domain.ActionOpen {
		if err := l.gateOpen(snap, action, acct, breakersOK, breakerReason); err != nil {
			var rej *domain.RejectionError
			if errors.As(err, &rej) {
				log.Info("entry rejected",
					"instrument", inst, "reason", rej.Reason, "detail", rej.Detail)
				l.publishEvent(ctx, "action_rejected", map[string]any{
					"instrument": inst, "reason": string(rej.Reason),
				})
				l.notifier.Rejected(ctx, inst, err)
			}
			return
		}
	}

	log.Info("action decided",
		"instrument", inst, "kind", action.Kind, "side", action.Side,
		"detail", action.Detail)

	outcome, err := l.engine.Apply(ctx, action, pos)
	if err != nil {
		l.handleApplyError(ctx, log, inst, outcome, err)
		return
	}

	l.absorb(ctx, log, inst, action, outcome)
}

// gateOpen runs the stateful pre-checks and then the pure risk gate.
func (l *Loop) gateOpen(snap domain.SignalSnapshot, action domain.PendingAction,
	acct domain.AccountState, breakersOK bool, breakerReason string) error {

	if snap.Tick.Stale || snap.Chain.Stale {
		return domain.Reject(domain.RejectStaleData, "stale inputs for %s", action.Instrument)
	}
	if !breakersOK {
		return domain.Reject(domain.RejectBreakerTripped, "%s", breakerReason)
	}
	if l.breakers.CooldownActive(action.Instrument) {
		return domain.Reject(domain.RejectCooldown, "%s re-entry blocked by cooldown", action.Instrument)
	}
	return risk.Evaluate(acct, action, l.openPositions(), l.cfg.Risk)
}

// absorb folds an engine outcome back into loop state and fires the
// downstream reporting.
func (l *Loop) absorb(ctx context.Context, log *slog.Logger, inst string,
	action domain.PendingAction, outcome engine.Outcome) {

	switch action.Kind {
	case domain.ActionOpen:
		if outcome.Position == nil {
			// Order was rejected by the exchange; still flat.
			delete(l.positions, inst)
			return
		}
		l.positions[inst] = outcome.Position
		l.breakers.RecordEntry(inst)
		l.notifier.TradeOpened(ctx, *outcome.Position)
		l.publishEvent(ctx, "position_opened", map[string]any{
			"instrument": inst, "side": string(outcome.Position.Side),
			"entry": outcome.Position.EntryPrice, "size": outcome.Position.Size,
		})

	case domain.ActionPartialClose:
		if outcome.Position != nil {
			l.positions[inst] = outcome.Position
			if outcome.RealizedDelta != 0 {
				l.notifier.PartialClose(ctx, *outcome.Position, outcome.RealizedDelta)
				l.publishEvent(ctx, "partial_close", map[string]any{
					"instrument": inst, "realized": outcome.RealizedDelta,
				})
			}
		}

	case domain.ActionFullClose:
		if outcome.Trade == nil {
			// Close did not fill; position unchanged apart from state reset.
			if outcome.Position != nil {
				l.positions[inst] = outcome.Position
			}
			return
		}
		delete(l.positions, inst)
		equity := l.lastEquity + outcome.Trade.RealizedPnL
		l.breakers.RecordResult(outcome.Trade.RealizedPnL, equity)
		l.notifier.TradeClosed(ctx, *outcome.Trade)
		l.publishEvent(ctx, "position_closed", map[string]any{
			"instrument": inst, "reason": string(outcome.Trade.ExitReason),
			"realized": outcome.Trade.RealizedPnL,
		})
		wins, losses, streak, daily := l.breakers.Stats()
		log.Info("trade settled",
			"instrument", inst, "realized", outcome.Trade.RealizedPnL,
			"wins", wins, "losses", losses, "loss_streak", streak,
			"daily_pnl", daily, "win_rate", l.breakers.WinRate())
	}
}

// handleApplyError halts on fatal submission failures and logs everything
// else. The halt is a latch: the loop keeps running in monitor fashion but
// takes no further actions until an operator intervenes.
func (l *Loop) handleApplyError(ctx context.Context, log *slog.Logger, inst string,
	outcome engine.Outcome, err error) {

	if outcome.Position != nil {
		l.positions[inst] = outcome.Position
	}

	var fatal *domain.FatalSubmissionError
	if errors.As(err, &fatal) {
		l.halted = true
		l.haltReason = fatal.Error()
		log.Error("fatal submission failure, halting",
			"instrument", inst, "token", fatal.Token, "attempts", fatal.Attempts, "err", fatal.Err)
		l.notifier.Halted(ctx, l.haltReason)
		l.publishEvent(ctx, "halted", map[string]any{"reason": l.haltReason})
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Error("action failed", "instrument", inst, "err", err)
}

func (l *Loop) fetchEquity(ctx context.Context, log *slog.Logger) float64 {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.Loop.GatewayTimeout())
	defer cancel()

	equity, err := l.exec.Equity(fctx)
	if err != nil {
		log.Warn("equity fetch failed, reusing last known", "err", err, "last", l.lastEquity)
		return l.lastEquity
	}
	l.lastEquity = equity
	return equity
}

func (l *Loop) fetchRealized(ctx context.Context, log *slog.Logger) float64 {
	realized, err := l.trades.SumRealizedPnL(ctx)
	if err != nil {
		log.Warn("realized pnl fetch failed", "err", err)
		return 0
	}
	return realized
}

// recordSignal persists fresh chain signals for offline analysis. Stale
// fallbacks are not re-recorded.
func (l *Loop) recordSignal(ctx context.Context, log *slog.Logger, snap domain.SignalSnapshot) {
	if snap.Chain.Stale || snap.Chain.Timestamp.IsZero() {
		return
	}
	entry := domain.ChainSignalLog{
		Timestamp:     snap.Chain.Timestamp,
		Instrument:    snap.Chain.Instrument,
		Kind:          snap.Chain.Kind,
		Confidence:    snap.Chain.Confidence,
		SmartNetflow:  snap.Chain.SmartMoneyNetflow,
		ExchNetflow:   snap.Chain.ExchangeNetflow,
		PriceAtSignal: snap.Tick.Price,
	}
	if err := l.signals.Insert(ctx, entry); err != nil {
		log.Warn("signal log write failed", "instrument", entry.Instrument, "err", err)
	}
}

func (l *Loop) persistEquity(ctx context.Context, log *slog.Logger, acct domain.AccountState) {
	snap := domain.EquitySnapshot{
		Timestamp:     l.now(),
		Equity:        acct.Equity,
		UnrealizedPnL: acct.UnrealizedPnL,
		RealizedPnL:   acct.RealizedPnL,
		OpenPositions: acct.OpenPositions,
	}
	if err := l.equities.Insert(ctx, snap); err != nil {
		log.Warn("equity snapshot write failed", "err", err)
	}
}

func (l *Loop) publishStatus(ctx context.Context, log *slog.Logger, acct domain.AccountState, started time.Time) {
	haltReason := l.haltReason
	halted := l.halted
	if !halted {
		if ok, reason := l.breakerView(); !ok {
			halted, haltReason = true, reason
		}
	}

	snap := domain.StatusSnapshot{
		Timestamp:     l.now(),
		Mode:          l.cfg.Mode,
		Halted:        halted,
		HaltReason:    haltReason,
		Account:       acct,
		Positions:     l.openPositions(),
		Iteration:     l.iteration,
		LastIteration: l.now().Sub(started),
	}
	if err := l.status.SetStatus(ctx, snap); err != nil {
		log.Warn("status publish failed", "err", err)
	}
	l.publishEvent(ctx, "iteration_complete", map[string]any{
		"iteration": l.iteration, "equity": acct.Equity, "open": acct.OpenPositions,
	})
}

// breakerView re-evaluates the breakers at last-known equity so the status
// surface reflects a trip that happened after the iteration's main check.
func (l *Loop) breakerView() (bool, string) {
	return l.breakers.Check(l.lastEquity)
}

// maybeArchive runs cold-storage archival once per UTC day.
func (l *Loop) maybeArchive(ctx context.Context, log *slog.Logger) {
	if l.archiver == nil {
		return
	}
	day := l.now().YearDay()
	if day == l.archiveDay {
		return
	}
	l.archiveDay = day
	if err := l.archiver.Run(ctx); err != nil {
		log.Warn("trade archival failed", "err", err)
	}
}

func (l *Loop) publishEvent(ctx context.Context, kind string, fields map[string]any) {
	if l.bus == nil {
		return
	}
	fields["event"] = kind
	fields["ts"] = l.now().Format(time.RFC3339)
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, eventChannel, payload); err != nil {
		l.log.Debug("event publish failed", "event", kind, "err", err)
	}
}

func (l *Loop) openPositions() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}
