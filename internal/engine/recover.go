package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/quantara/perpbot/internal/domain"
)

// sizeTolerance absorbs exchange rounding when comparing persisted size
// against the exchange-reported size.
const sizeTolerance = 1e-6

// Recover runs reconciliation-on-boot: resolve any position stuck in a
// PENDING state by querying its idempotency token, then verify the persisted
// snapshot against exchange-reported truth for every configured instrument.
// A disagreement returns an error wrapping domain.ErrReconciliationMismatch;
// the persisted state is never silently overwritten.
func (e *Engine) Recover(ctx context.Context, instruments []string) ([]domain.Position, error) {
	stored, err := e.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load persisted positions: %w", err)
	}

	resolved := make([]domain.Position, 0, len(stored))
	for _, pos := range stored {
		if !pos.State.Pending() {
			resolved = append(resolved, pos)
			continue
		}
		p, flat, err := e.resolvePending(ctx, pos)
		if err != nil {
			return nil, err
		}
		if !flat {
			resolved = append(resolved, p)
		}
	}

	byInstrument := make(map[string]domain.Position, len(resolved))
	for _, p := range resolved {
		byInstrument[p.Instrument] = p
	}

	// Every configured instrument must agree with the exchange, including
	// ones we believe are flat.
	checked := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		checked[inst] = true
		if err := e.verify(ctx, inst, byInstrument); err != nil {
			return nil, err
		}
	}
	for _, p := range resolved {
		if !checked[p.Instrument] {
			if err := e.verify(ctx, p.Instrument, byInstrument); err != nil {
				return nil, err
			}
		}
	}

	e.log.Info("boot reconciliation complete", "open_positions", len(resolved))
	return resolved, nil
}

// resolvePending settles a position that crashed mid-submission. The
// idempotency token makes the order query exact: either the order landed and
// the interrupted transition is completed, or it did not and the position
// reverts to its pre-submission state.
func (e *Engine) resolvePending(ctx context.Context, pos domain.Position) (domain.Position, bool, error) {
	res, err := e.exec.QueryOrder(ctx, pos.PendingToken)
	if err != nil {
		return pos, false, fmt.Errorf("engine: resolve pending %s (token %s): %w", pos.Instrument, pos.PendingToken, err)
	}

	if res.Status == domain.OrderStatusUnknown {
		// The order may still be live on the exchange. Give it the remainder
		// of the pending window, then cancel so a late fill cannot land
		// unsupervised.
		if wait := e.loop.PendingTimeout() - e.now().Sub(pos.PendingSince); wait > 0 {
			if err := e.sleep(ctx, min(wait, e.loop.GatewayTimeout())); err != nil {
				return pos, false, err
			}
			if again, err := e.exec.QueryOrder(ctx, pos.PendingToken); err == nil {
				res = again
			}
		}
		if res.Status == domain.OrderStatusUnknown {
			if err := e.exec.CancelOrder(ctx, pos.PendingToken); err != nil {
				e.log.Warn("cancel of unresolved order failed",
					"instrument", pos.Instrument, "token", pos.PendingToken, "err", err)
			}
		}
	}
	filled := res.Status == domain.OrderStatusFilled

	e.log.Info("resolving pending position from restart",
		"instrument", pos.Instrument, "state", pos.State, "token", pos.PendingToken,
		"order_status", res.Status)

	switch pos.State {
	case domain.StatePendingOpen:
		if !filled {
			// The open never happened; back to flat.
			if err := e.positions.Delete(ctx, pos.Instrument); err != nil {
				return pos, false, fmt.Errorf("engine: unwind pending open %s: %w", pos.Instrument, err)
			}
			return domain.Position{}, true, nil
		}
		if res.FillPrice > 0 {
			pos.EntryPrice = res.FillPrice
		}
		if res.FilledSize > 0 {
			pos.Size = res.FilledSize
		}
		pos.State = domain.StateOpen
		pos.PendingToken = ""
		if err := e.commit(ctx, pos); err != nil {
			return pos, false, err
		}
		return pos, false, nil

	case domain.StatePendingPartialClose:
		if filled {
			fill := res.FillPrice
			if fill <= 0 {
				fill = pos.TP1
			}
			closed := res.FilledSize
			if closed <= 0 || closed >= pos.Size {
				closed = pos.Size * pos.TP1ClosePct
			}
			pos.RealizedPnL += (fill - pos.EntryPrice) * closed * pos.Side.Dir() * float64(pos.Leverage)
			pos.Size -= closed
			pos.TP1Hit = true
			pos.StopLoss = e.breakevenStop(pos)
		}
		pos.State = domain.StateOpen
		pos.PendingToken = ""
		if err := e.commit(ctx, pos); err != nil {
			return pos, false, err
		}
		return pos, false, nil

	case domain.StatePendingFullClose:
		if !filled {
			pos.State = domain.StateOpen
			pos.PendingToken = ""
			if err := e.commit(ctx, pos); err != nil {
				return pos, false, err
			}
			return pos, false, nil
		}
		fill := res.FillPrice
		if fill <= 0 {
			fill = pos.EntryPrice
		}
		delta := (fill - pos.EntryPrice) * pos.Size * pos.Side.Dir() * float64(pos.Leverage)
		trade := domain.TradeRecord{
			ID:          e.newToken(),
			Instrument:  pos.Instrument,
			Side:        pos.Side,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   fill,
			Size:        originalSize(pos),
			Leverage:    pos.Leverage,
			RealizedPnL: pos.RealizedPnL + delta,
			ExitReason:  domain.ExitManual,
			Detail:      "close confirmed during restart recovery",
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    e.now(),
		}
		if err := e.trades.Insert(ctx, trade); err != nil {
			return pos, false, fmt.Errorf("engine: record recovered trade %s: %w", pos.Instrument, err)
		}
		if err := e.positions.Delete(ctx, pos.Instrument); err != nil {
			return pos, false, fmt.Errorf("engine: clear recovered position %s: %w", pos.Instrument, err)
		}
		return domain.Position{}, true, nil
	}

	return pos, false, fmt.Errorf("engine: pending position %s in unexpected state %s", pos.Instrument, pos.State)
}

// verify compares one instrument's persisted snapshot against the exchange.
func (e *Engine) verify(ctx context.Context, instrument string, stored map[string]domain.Position) error {
	exch, err := e.exec.Position(ctx, instrument)
	if err != nil {
		return fmt.Errorf("engine: query exchange position %s: %w", instrument, err)
	}

	pos, have := stored[instrument]
	exchOpen := exch.Size > sizeTolerance

	switch {
	case !have && !exchOpen:
		return nil
	case !have && exchOpen:
		return fmt.Errorf("engine: %s: exchange reports %s %.8f but no persisted position: %w",
			instrument, exch.Side, exch.Size, domain.ErrReconciliationMismatch)
	case have && !exchOpen:
		return fmt.Errorf("engine: %s: persisted %s %.8f but exchange reports flat: %w",
			instrument, pos.Side, pos.Size, domain.ErrReconciliationMismatch)
	}

	if pos.Side != exch.Side {
		return fmt.Errorf("engine: %s: persisted side %s but exchange reports %s: %w",
			instrument, pos.Side, exch.Side, domain.ErrReconciliationMismatch)
	}
	if math.Abs(pos.Size-exch.Size) > sizeTolerance {
		return fmt.Errorf("engine: %s: persisted size %.8f but exchange reports %.8f: %w",
			instrument, pos.Size, exch.Size, domain.ErrReconciliationMismatch)
	}
	return nil
}
