// Package engine implements the position state machine. It is the only
// writer of position state: every transition is validated, applied, and
// persisted before the next one may begin.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
)

// Outcome reports what an applied action did, for the control loop to feed
// breakers, notifications, and the status snapshot.
type Outcome struct {
	Position      *domain.Position    // resulting position, nil once flat
	Trade         *domain.TradeRecord // set on full close
	RealizedDelta float64             // PnL realized by this action
}

// Engine drives position lifecycle transitions against the execution
// gateway and commits a snapshot after every transition.
type Engine struct {
	exec      domain.ExecutionGateway
	positions domain.PositionStore
	trades    domain.TradeStore
	audit     domain.AuditStore

	strat config.StrategyConfig
	loop  config.LoopConfig
	tiers []int

	log *slog.Logger

	// Injection points for tests.
	now      func() time.Time
	newToken func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a state machine engine.
func New(exec domain.ExecutionGateway, positions domain.PositionStore, trades domain.TradeStore,
	audit domain.AuditStore, strat config.StrategyConfig, risk config.RiskConfig,
	loop config.LoopConfig, log *slog.Logger) *Engine {
	return &Engine{
		exec:      exec,
		positions: positions,
		trades:    trades,
		audit:     audit,
		strat:     strat,
		loop:      loop,
		tiers:     risk.AllowedLeverageTiers,
		log:       log.With("component", "engine"),
		now:       func() time.Time { return time.Now().UTC() },
		newToken:  uuid.NewString,
		sleep:     sleepCtx,
	}
}

// Apply executes one action against the current position and returns the
// outcome. pos is nil for an open action. Any returned error of type
// *domain.FatalSubmissionError means the position is in an unknown real-world
// state and the caller must halt.
func (e *Engine) Apply(ctx context.Context, action domain.PendingAction, pos *domain.Position) (Outcome, error) {
	switch action.Kind {
	case domain.ActionOpen:
		return e.applyOpen(ctx, action)
	case domain.ActionPartialClose:
		if pos == nil {
			return Outcome{}, fmt.Errorf("engine: partial close on %s with no position", action.Instrument)
		}
		return e.applyPartialClose(ctx, action, *pos)
	case domain.ActionFullClose:
		if pos == nil {
			return Outcome{}, fmt.Errorf("engine: full close on %s with no position", action.Instrument)
		}
		return e.applyFullClose(ctx, action, *pos)
	case domain.ActionNone, "":
		return Outcome{Position: pos}, nil
	}
	return Outcome{}, fmt.Errorf("engine: unknown action kind %q", action.Kind)
}

// applyOpen runs FLAT -> PENDING_OPEN -> OPEN. The PENDING_OPEN snapshot is
// persisted before the first network call so a crash mid-submission is
// recoverable by token.
func (e *Engine) applyOpen(ctx context.Context, action domain.PendingAction) (Outcome, error) {
	token := e.newToken()
	now := e.now()

	pos := domain.Position{
		Instrument:   action.Instrument,
		Side:         action.Side,
		State:        domain.StatePendingOpen,
		EntryPrice:   action.EntryPrice,
		Size:         action.Size,
		Leverage:     action.Leverage,
		TP1:          action.TP1,
		TP2:          action.TP2,
		TP1ClosePct:  e.strat.TP1ClosePct,
		StopLoss:     action.StopLoss,
		Confidence:   action.Confidence,
		OpenedAt:     now,
		PendingToken: token,
		PendingSince: now,
	}
	if err := e.commit(ctx, pos); err != nil {
		return Outcome{}, err
	}

	res, err := e.submitConfirmed(ctx, domain.OrderRequest{
		Token:      token,
		Instrument: action.Instrument,
		Side:       action.Side,
		Size:       action.Size,
		Leverage:   action.Leverage,
	})
	if err != nil {
		if submissionStateUnknown(err) {
			return Outcome{Position: &pos}, err
		}
		// The exchange definitively refused the submission; nothing landed,
		// so unwind to flat instead of leaving the instrument wedged in
		// PENDING_OPEN.
		e.log.Warn("open submission refused, reverting to flat",
			"instrument", action.Instrument, "err", err)
		if derr := e.positions.Delete(ctx, action.Instrument); derr != nil {
			return Outcome{Position: &pos}, fmt.Errorf("engine: unwind %s: %w", action.Instrument, derr)
		}
		e.auditLog(ctx, "open_failed", map[string]any{
			"instrument": action.Instrument, "error": err.Error(),
		})
		return Outcome{}, err
	}

	if res.Status == domain.OrderStatusRejected || res.Status == domain.OrderStatusCancelled {
		// Nothing happened on the exchange; unwind to flat.
		e.log.Warn("open order not filled, reverting to flat",
			"instrument", action.Instrument, "status", res.Status, "message", res.Message)
		if err := e.positions.Delete(ctx, action.Instrument); err != nil {
			return Outcome{Position: &pos}, fmt.Errorf("engine: unwind %s: %w", action.Instrument, err)
		}
		e.auditLog(ctx, "open_rejected", map[string]any{
			"instrument": action.Instrument, "status": string(res.Status), "message": res.Message,
		})
		return Outcome{}, nil
	}

	// Filled. The exchange fill price is authoritative; exit levels were
	// derived from the decision-time reference price, so rescale them onto
	// the actual entry.
	fill := res.FillPrice
	if fill <= 0 {
		fill = action.EntryPrice
	}
	if action.EntryPrice > 0 && fill != action.EntryPrice {
		ratio := fill / action.EntryPrice
		pos.TP1 *= ratio
		pos.TP2 *= ratio
		pos.StopLoss *= ratio
	}
	pos.EntryPrice = fill
	if res.FilledSize > 0 {
		pos.Size = res.FilledSize
	}
	pos.State = domain.StateOpen
	pos.PendingToken = ""
	pos.PendingSince = time.Time{}

	if err := e.commit(ctx, pos); err != nil {
		return Outcome{}, err
	}
	e.log.Info("position opened",
		"instrument", pos.Instrument, "side", pos.Side, "size", pos.Size,
		"leverage", pos.Leverage, "entry", pos.EntryPrice,
		"tp1", pos.TP1, "tp2", pos.TP2, "stop", pos.StopLoss)
	e.auditLog(ctx, "position_opened", map[string]any{
		"instrument": pos.Instrument, "side": string(pos.Side),
		"size": pos.Size, "leverage": pos.Leverage, "entry": pos.EntryPrice,
	})
	return Outcome{Position: &pos}, nil
}

// applyPartialClose runs OPEN -> PENDING_PARTIAL_CLOSE -> OPEN. After the
// fill the remaining size shrinks, realized PnL accrues, and the stop
// ratchets to breakeven.
func (e *Engine) applyPartialClose(ctx context.Context, action domain.PendingAction, pos domain.Position) (Outcome, error) {
	closeSize := action.CloseSize
	if closeSize <= 0 || closeSize >= pos.Size {
		return Outcome{}, fmt.Errorf("engine: partial close size %.8f invalid for position size %.8f", closeSize, pos.Size)
	}

	token := e.newToken()
	pos.State = domain.StatePendingPartialClose
	pos.PendingToken = token
	pos.PendingSince = e.now()
	if err := e.commit(ctx, pos); err != nil {
		return Outcome{}, err
	}

	res, err := e.submitConfirmed(ctx, domain.OrderRequest{
		Token:      token,
		Instrument: pos.Instrument,
		Side:       pos.Side.Opposite(),
		Size:       closeSize,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
	})
	if err != nil {
		if submissionStateUnknown(err) {
			return Outcome{Position: &pos}, err
		}
		e.log.Warn("partial close submission refused, position unchanged",
			"instrument", pos.Instrument, "err", err)
		reverted, cerr := e.revertToOpen(ctx, pos)
		if cerr != nil {
			return Outcome{Position: &pos}, cerr
		}
		return Outcome{Position: &reverted}, err
	}

	if res.Status == domain.OrderStatusRejected || res.Status == domain.OrderStatusCancelled {
		// The position is untouched; fall back to OPEN and let the next
		// iteration retry the decision.
		e.log.Warn("partial close not filled, position unchanged",
			"instrument", pos.Instrument, "status", res.Status, "message", res.Message)
		pos.State = domain.StateOpen
		pos.PendingToken = ""
		pos.PendingSince = time.Time{}
		if err := e.commit(ctx, pos); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &pos}, nil
	}

	fill := res.FillPrice
	if fill <= 0 {
		fill = pos.TP1
	}
	filled := res.FilledSize
	if filled <= 0 || filled > closeSize {
		filled = closeSize
	}

	delta := (fill - pos.EntryPrice) * filled * pos.Side.Dir() * float64(pos.Leverage)
	pos.Size -= filled
	pos.RealizedPnL += delta
	pos.TP1Hit = true
	pos.StopLoss = e.breakevenStop(pos)
	pos.State = domain.StateOpen
	pos.PendingToken = ""
	pos.PendingSince = time.Time{}

	if err := e.commit(ctx, pos); err != nil {
		return Outcome{}, err
	}
	e.log.Info("partial close filled",
		"instrument", pos.Instrument, "closed", filled, "remaining", pos.Size,
		"fill", fill, "realized", delta, "new_stop", pos.StopLoss)
	e.auditLog(ctx, "partial_close", map[string]any{
		"instrument": pos.Instrument, "closed": filled, "remaining": pos.Size,
		"fill": fill, "realized": delta,
	})
	return Outcome{Position: &pos, RealizedDelta: delta}, nil
}

// applyFullClose runs OPEN -> PENDING_FULL_CLOSE -> FLAT and writes the
// terminal trade record.
func (e *Engine) applyFullClose(ctx context.Context, action domain.PendingAction, pos domain.Position) (Outcome, error) {
	token := e.newToken()
	pos.State = domain.StatePendingFullClose
	pos.PendingToken = token
	pos.PendingSince = e.now()
	if err := e.commit(ctx, pos); err != nil {
		return Outcome{}, err
	}

	res, err := e.submitConfirmed(ctx, domain.OrderRequest{
		Token:      token,
		Instrument: pos.Instrument,
		Side:       pos.Side.Opposite(),
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
	})
	if err != nil {
		if submissionStateUnknown(err) {
			return Outcome{Position: &pos}, err
		}
		e.log.Warn("full close submission refused, position unchanged",
			"instrument", pos.Instrument, "err", err)
		reverted, cerr := e.revertToOpen(ctx, pos)
		if cerr != nil {
			return Outcome{Position: &pos}, cerr
		}
		return Outcome{Position: &reverted}, err
	}

	if res.Status == domain.OrderStatusRejected || res.Status == domain.OrderStatusCancelled {
		e.log.Warn("full close not filled, position unchanged",
			"instrument", pos.Instrument, "status", res.Status, "message", res.Message)
		pos.State = domain.StateOpen
		pos.PendingToken = ""
		pos.PendingSince = time.Time{}
		if err := e.commit(ctx, pos); err != nil {
			return Outcome{}, err
		}
		return Outcome{Position: &pos}, nil
	}

	fill := res.FillPrice
	if fill <= 0 {
		fill = pos.StopLoss
	}
	delta := (fill - pos.EntryPrice) * pos.Size * pos.Side.Dir() * float64(pos.Leverage)
	total := pos.RealizedPnL + delta

	trade := domain.TradeRecord{
		ID:          e.newToken(),
		Instrument:  pos.Instrument,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   fill,
		Size:        originalSize(pos),
		Leverage:    pos.Leverage,
		RealizedPnL: total,
		ExitReason:  action.ExitReason,
		Detail:      action.Detail,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    e.now(),
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return Outcome{Position: &pos}, fmt.Errorf("engine: record trade %s: %w", pos.Instrument, err)
	}
	if err := e.positions.Delete(ctx, pos.Instrument); err != nil {
		return Outcome{Position: &pos}, fmt.Errorf("engine: clear position %s: %w", pos.Instrument, err)
	}

	e.log.Info("position closed",
		"instrument", pos.Instrument, "reason", action.ExitReason, "exit", fill,
		"realized", total, "detail", action.Detail)
	e.auditLog(ctx, "position_closed", map[string]any{
		"instrument": pos.Instrument, "reason": string(action.ExitReason),
		"exit": fill, "realized": total,
	})
	return Outcome{Trade: &trade, RealizedDelta: delta}, nil
}

// submitConfirmed submits an order and drives it to a terminal status,
// retrying transient failures with exponential backoff. Before every retry it
// queries the order by token first: the previous attempt may have landed even
// though its response was lost. Exhausting the budget returns a
// *domain.FatalSubmissionError.
func (e *Engine) submitConfirmed(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	var lastErr error
	attempts := e.loop.SubmitRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := e.loop.SubmitBackoff() * time.Duration(1<<(attempt-2))
			if err := e.sleep(ctx, backoff); err != nil {
				return domain.OrderResult{}, err
			}
			// The earlier submission may have succeeded after its response
			// was lost. The token makes this query exact.
			if res, err := e.exec.QueryOrder(ctx, req.Token); err == nil && res.Status != domain.OrderStatusUnknown {
				return res, nil
			}
		}

		res, err := e.submitOnce(ctx, req)
		if err == nil {
			return res, nil
		}
		if !domain.IsTransient(err) {
			return domain.OrderResult{}, err
		}
		lastErr = err
		e.log.Warn("order submission failed, will retry",
			"instrument", req.Instrument, "token", req.Token,
			"attempt", attempt, "max_attempts", attempts, "err", err)
	}

	return domain.OrderResult{}, &domain.FatalSubmissionError{
		Instrument: req.Instrument,
		Token:      req.Token,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (e *Engine) submitOnce(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.loop.GatewayTimeout())
	defer cancel()

	res, err := e.exec.SubmitOrder(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.OrderResult{}, domain.Transient("submit "+req.Instrument, err)
		}
		return domain.OrderResult{}, err
	}
	if res.Status == domain.OrderStatusUnknown {
		if res.Retryable {
			return domain.OrderResult{}, domain.Transient("submit "+req.Instrument, fmt.Errorf("status unknown: %s", res.Message))
		}
		// Not retryable but the order may have landed; the caller must not
		// unwind state it cannot verify.
		return domain.OrderResult{}, &domain.FatalSubmissionError{
			Instrument: req.Instrument,
			Token:      req.Token,
			Attempts:   1,
			Err:        fmt.Errorf("status unknown and not retryable: %s", res.Message),
		}
	}
	return res, nil
}

// submissionStateUnknown reports whether err leaves the real-world order
// state uncertain: retry budget exhausted, an unresolvable status, or the
// wait interrupted. Anything else means the exchange definitively refused
// the submission and the pending snapshot may be safely reverted.
func submissionStateUnknown(err error) bool {
	var fatal *domain.FatalSubmissionError
	if errors.As(err, &fatal) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// revertToOpen restores a position stuck in a pending close back to OPEN
// after a submission that definitively did not land.
func (e *Engine) revertToOpen(ctx context.Context, pos domain.Position) (domain.Position, error) {
	pos.State = domain.StateOpen
	pos.PendingToken = ""
	pos.PendingSince = time.Time{}
	return pos, e.commit(ctx, pos)
}

// commit validates invariants and persists the position snapshot. A snapshot
// that violates invariants is never written.
func (e *Engine) commit(ctx context.Context, pos domain.Position) error {
	if err := pos.CheckInvariants(e.tiers); err != nil {
		return fmt.Errorf("engine: invariant violation: %w", err)
	}
	if err := e.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("engine: persist %s: %w", pos.Instrument, err)
	}
	return nil
}

func (e *Engine) breakevenStop(pos domain.Position) float64 {
	if pos.Side == domain.SideLong {
		return pos.EntryPrice * (1 + e.strat.BreakevenOffsetPct)
	}
	return pos.EntryPrice * (1 - e.strat.BreakevenOffsetPct)
}

// originalSize reconstructs the size at open from the remaining size after
// any TP1 partial.
func originalSize(pos domain.Position) float64 {
	if !pos.TP1Hit || pos.TP1ClosePct <= 0 || pos.TP1ClosePct >= 1 {
		return pos.Size
	}
	return pos.Size / (1 - pos.TP1ClosePct)
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.log.Warn("audit log write failed", "event", event, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
