// Package risk implements the pre-trade risk gate. Evaluate is a pure
// function over the account state and a proposed action; it has no side
// effects and no persisted state, so it is safe to call repeatedly and
// concurrently.
package risk

import (
	"math"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
)

// Evaluate validates a proposed action against the configured limits given
// the current account state and open position set. Checks run in a fixed
// order and the first failing check short-circuits with a specific reason
// code. A nil return means the action is allowed.
//
// Close actions only go through the defensive level check: reducing exposure
// must never be blocked by exposure or margin limits.
func Evaluate(acct domain.AccountState, action domain.PendingAction, open []domain.Position, limits config.RiskConfig) error {
	if action.NoOp() {
		return nil
	}

	if action.Kind != domain.ActionOpen {
		return nil
	}

	// 1. Leverage tier within the allowed set.
	if !tierAllowed(action.Leverage, limits.AllowedLeverageTiers) {
		return domain.Reject(domain.RejectLeverageTier,
			"%dx not in %v", action.Leverage, limits.AllowedLeverageTiers)
	}

	// 2. Notional exposure limits, per instrument and aggregate.
	notional := action.Size * action.EntryPrice * float64(action.Leverage)
	if notional > limits.MaxExposurePerInstrument {
		return domain.Reject(domain.RejectInstrumentExposure,
			"%s notional %.2f exceeds limit %.2f", action.Instrument, notional, limits.MaxExposurePerInstrument)
	}
	aggregate := notional
	for _, p := range open {
		aggregate += p.Notional()
	}
	if aggregate > limits.MaxAggregateExposure {
		return domain.Reject(domain.RejectAggregateExposure,
			"aggregate notional %.2f exceeds limit %.2f", aggregate, limits.MaxAggregateExposure)
	}

	// 3. Concurrent position count.
	if len(open) >= limits.MaxConcurrentPositions {
		return domain.Reject(domain.RejectMaxPositions,
			"%d open, max %d", len(open), limits.MaxConcurrentPositions)
	}

	// 4. Margin requirement with safety buffer.
	required := action.Size * action.EntryPrice * (1 + limits.MarginSafetyBufferPct/100)
	if acct.AvailableMargin < required {
		return domain.Reject(domain.RejectInsufficientMargin,
			"available %.2f below required %.2f (incl. %.0f%% buffer)",
			acct.AvailableMargin, required, limits.MarginSafetyBufferPct)
	}

	// 5. Exit levels present and correctly ordered relative to entry/side.
	// Last line of defense against a malformed decision.
	if err := checkLevels(action); err != nil {
		return err
	}

	// Risk/reward floor: distance to TP1 versus distance to stop.
	riskDist := math.Abs(action.EntryPrice - action.StopLoss)
	rewardDist := math.Abs(action.TP1 - action.EntryPrice)
	if riskDist > 0 && rewardDist/riskDist < limits.MinRiskReward {
		return domain.Reject(domain.RejectRiskReward,
			"R:R %.2f below minimum %.2f", rewardDist/riskDist, limits.MinRiskReward)
	}

	return nil
}

func tierAllowed(leverage int, tiers []int) bool {
	for _, t := range tiers {
		if leverage == t {
			return true
		}
	}
	return false
}

func checkLevels(a domain.PendingAction) error {
	if a.TP1 <= 0 || a.TP2 <= 0 || a.StopLoss <= 0 {
		return domain.Reject(domain.RejectMalformedLevels, "missing TP or stop level")
	}
	switch a.Side {
	case domain.SideLong:
		if !(a.StopLoss < a.EntryPrice && a.EntryPrice < a.TP1 && a.TP1 < a.TP2) {
			return domain.Reject(domain.RejectMalformedLevels,
				"long requires stop %.2f < entry %.2f < TP1 %.2f < TP2 %.2f",
				a.StopLoss, a.EntryPrice, a.TP1, a.TP2)
		}
	case domain.SideShort:
		if !(a.TP2 < a.TP1 && a.TP1 < a.EntryPrice && a.EntryPrice < a.StopLoss) {
			return domain.Reject(domain.RejectMalformedLevels,
				"short requires TP2 %.2f < TP1 %.2f < entry %.2f < stop %.2f",
				a.TP2, a.TP1, a.EntryPrice, a.StopLoss)
		}
	default:
		return domain.Reject(domain.RejectMalformedLevels, "unknown side %q", a.Side)
	}
	return nil
}
