// Package strategy implements the decision engine. Given identical signal
// snapshots and identical position state, Decide always returns the same
// action: there is no hidden randomness, so every run is replayable.
package strategy

import (
	"fmt"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
)

// Engine turns signal snapshots into proposed actions. Every opened position
// carries two take-profit levels (dual TP) and a leverage tier picked from
// the chain-signal confidence bucket, never a continuous value.
type Engine struct {
	cfg  config.StrategyConfig
	risk config.RiskConfig
}

// New creates a decision engine from the strategy and risk configuration.
func New(cfg config.StrategyConfig, risk config.RiskConfig) *Engine {
	return &Engine{cfg: cfg, risk: risk}
}

// Decide emits at most one action for the instrument this iteration. A
// position awaiting exchange confirmation is left alone; open positions are
// checked for exits before any entry logic runs.
func (e *Engine) Decide(snap domain.SignalSnapshot, pos *domain.Position, acct domain.AccountState) domain.PendingAction {
	if pos != nil && pos.State.Pending() {
		return domain.PendingAction{Kind: domain.ActionNone}
	}
	if pos != nil && pos.State == domain.StateOpen {
		return e.decideExit(snap, *pos)
	}
	return e.decideEntry(snap, acct)
}

// decideExit checks stop, TP2, TP1, and early-exit triggers, in that order.
// The stop is checked first: protecting capital outranks taking profit.
func (e *Engine) decideExit(snap domain.SignalSnapshot, pos domain.Position) domain.PendingAction {
	price := snap.Tick.Price
	dir := pos.Side.Dir()

	if (price-pos.StopLoss)*dir <= 0 {
		return fullClose(pos, domain.ExitStopLoss, fmt.Sprintf("stop %.2f crossed at %.2f", pos.StopLoss, price))
	}
	if (price-pos.TP2)*dir >= 0 {
		return fullClose(pos, domain.ExitTP2, fmt.Sprintf("TP2 %.2f reached at %.2f", pos.TP2, price))
	}
	if !pos.TP1Hit && (price-pos.TP1)*dir >= 0 {
		return domain.PendingAction{
			Kind:       domain.ActionPartialClose,
			Instrument: pos.Instrument,
			Side:       pos.Side,
			CloseSize:  pos.Size * pos.TP1ClosePct,
			ExitReason: domain.ExitTP1,
			Detail:     fmt.Sprintf("TP1 %.2f reached at %.2f", pos.TP1, price),
		}
	}

	// Early exit: the chain signal reversed against the position, or funding
	// turned extreme.
	if !snap.Chain.Stale && snap.Chain.Confidence >= e.cfg.MinConfidence {
		if pos.Side == domain.SideLong && snap.Chain.Bearish() {
			return fullClose(pos, domain.ExitManual, "smart money distribution against long")
		}
		if pos.Side == domain.SideShort && snap.Chain.Bullish() {
			return fullClose(pos, domain.ExitManual, "smart money accumulation against short")
		}
	}
	if abs(snap.FundingRate) > e.cfg.EarlyExitFunding {
		return fullClose(pos, domain.ExitManual, fmt.Sprintf("extreme funding rate %.5f", snap.FundingRate))
	}

	return domain.PendingAction{Kind: domain.ActionNone}
}

// decideEntry proposes a new position when the chain signal is directional
// and fresh. Entries are never taken on stale data; exits above still run on
// last-known prices.
func (e *Engine) decideEntry(snap domain.SignalSnapshot, acct domain.AccountState) domain.PendingAction {
	none := domain.PendingAction{Kind: domain.ActionNone}

	if snap.Tick.Stale || snap.Chain.Stale {
		return none
	}
	if snap.Chain.Kind == domain.ChainNeutral || snap.Chain.Confidence < e.cfg.MinConfidence {
		return none
	}
	// Crowded positioning: funding already extreme means the move is priced in.
	if abs(snap.FundingRate) > e.cfg.EarlyExitFunding {
		return none
	}

	side := domain.SideLong
	if snap.Chain.Bearish() {
		side = domain.SideShort
	}

	// One-sided account positioning: entering with the crowd invites the
	// squeeze. A zero ratio means no reading and is ignored.
	if e.cfg.CrowdedRatio > 1 && snap.LongShortRatio > 0 {
		if side == domain.SideLong && snap.LongShortRatio >= e.cfg.CrowdedRatio {
			return none
		}
		if side == domain.SideShort && snap.LongShortRatio <= 1/e.cfg.CrowdedRatio {
			return none
		}
	}

	entry := snap.Tick.Price
	if entry <= 0 {
		return none
	}

	leverage := e.tierFor(snap.Chain.Confidence)
	exits := e.calcExits(entry, side, snap.Chain.Confidence)
	size := e.calcSize(acct.Equity, entry, exits.stop, leverage, snap.Chain.Confidence)
	if size <= 0 {
		return none
	}

	return domain.PendingAction{
		Kind:       domain.ActionOpen,
		Instrument: snap.Tick.Instrument,
		Side:       side,
		Size:       size,
		Leverage:   leverage,
		EntryPrice: entry,
		TP1:        exits.tp1,
		TP2:        exits.tp2,
		StopLoss:   exits.stop,
		Confidence: snap.Chain.Confidence,
	}
}

type exitLevels struct {
	tp1, tp2, stop float64
}

// calcExits derives the dual take-profit and stop levels from fixed
// percentages. High-confidence entries get the wider stop.
func (e *Engine) calcExits(entry float64, side domain.Side, confidence float64) exitLevels {
	slPct := e.cfg.StopLossPct
	if confidence >= e.cfg.HighConfidence {
		slPct = e.cfg.StopLossPctHigh
	}
	if side == domain.SideLong {
		return exitLevels{
			tp1:  entry * (1 + e.cfg.TP1Pct),
			tp2:  entry * (1 + e.cfg.TP2Pct),
			stop: entry * (1 - slPct),
		}
	}
	return exitLevels{
		tp1:  entry * (1 - e.cfg.TP1Pct),
		tp2:  entry * (1 - e.cfg.TP2Pct),
		stop: entry * (1 + slPct),
	}
}

// calcSize sizes the position so the loss at the stop equals the configured
// risk fraction of equity: stopDistance x size x leverage = equity x riskPct.
func (e *Engine) calcSize(equity, entry, stop float64, leverage int, confidence float64) float64 {
	riskPct := e.cfg.BaseRiskPct
	if confidence >= e.cfg.HighConfidence {
		riskPct = e.cfg.HighConvictionPct
	}
	stopDist := abs(entry - stop)
	if stopDist <= 0 || leverage <= 0 {
		return 0
	}
	return equity * riskPct / (stopDist * float64(leverage))
}

// tierFor maps a confidence bucket to a discrete leverage tier from the
// allowed set: highest tier for high confidence, middle for medium, lowest
// for anything that still clears the entry floor.
func (e *Engine) tierFor(confidence float64) int {
	tiers := sortedTiers(e.risk.AllowedLeverageTiers, e.risk.MaxLeverageTier)
	if len(tiers) == 0 {
		return 1
	}
	switch {
	case confidence >= e.cfg.HighConfidence:
		return tiers[len(tiers)-1]
	case confidence >= e.cfg.MidConfidence:
		return tiers[len(tiers)/2]
	default:
		return tiers[0]
	}
}

func fullClose(pos domain.Position, reason domain.ExitReason, detail string) domain.PendingAction {
	return domain.PendingAction{
		Kind:       domain.ActionFullClose,
		Instrument: pos.Instrument,
		Side:       pos.Side,
		CloseSize:  pos.Size,
		ExitReason: reason,
		Detail:     detail,
	}
}

func sortedTiers(tiers []int, maxTier int) []int {
	out := make([]int, 0, len(tiers))
	for _, t := range tiers {
		if t >= 1 && t <= maxTier {
			out = append(out, t)
		}
	}
	// Insertion sort; the allowed set is tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
