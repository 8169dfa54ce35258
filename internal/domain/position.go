package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Dir returns +1 for longs and -1 for shorts, for PnL arithmetic.
func (s Side) Dir() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionState tracks where a position is in its lifecycle. PENDING states
// exist only while an order submission awaits exchange confirmation and are
// the only states that may time out.
type PositionState string

const (
	StateFlat                PositionState = "FLAT"
	StatePendingOpen         PositionState = "PENDING_OPEN"
	StateOpen                PositionState = "OPEN"
	StatePendingPartialClose PositionState = "PENDING_PARTIAL_CLOSE"
	StatePendingFullClose    PositionState = "PENDING_FULL_CLOSE"
)

// Pending reports whether the state is awaiting exchange confirmation.
func (s PositionState) Pending() bool {
	switch s {
	case StatePendingOpen, StatePendingPartialClose, StatePendingFullClose:
		return true
	}
	return false
}

// Position is one open directional exposure on one instrument. At most one
// position exists per instrument at a time; the state machine is its only
// writer.
type Position struct {
	Instrument  string
	Side        Side
	State       PositionState
	EntryPrice  float64
	Size        float64
	Leverage    int     // discrete tier, validated against the allowed set
	TP1         float64 // near target, closes TP1ClosePct of size
	TP2         float64 // far target, closes the remainder
	TP1ClosePct float64
	TP1Hit      bool
	StopLoss    float64
	RealizedPnL float64 // accumulated over partial closes
	Confidence  float64 // chain-signal confidence at entry
	OpenedAt    time.Time

	// PendingToken is the idempotency token of the in-flight order while the
	// position is in a PENDING state, empty otherwise.
	PendingToken string
	PendingSince time.Time
}

// Notional returns size x entry price x leverage.
func (p Position) Notional() float64 {
	return p.Size * p.EntryPrice * float64(p.Leverage)
}

// Margin returns the nominal margin committed to this position.
func (p Position) Margin() float64 {
	if p.Leverage <= 0 {
		return 0
	}
	return p.Size * p.EntryPrice
}

// UnrealizedPnL computes the mark-to-market PnL over the remaining size.
func (p Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Size * p.Side.Dir() * float64(p.Leverage)
}

// CheckInvariants verifies the structural invariants that must hold after
// every state transition: positive size while not flat, leverage in the
// allowed tier set, TP1 nearer than TP2, and the stop strictly on the loss
// side of entry. After TP1 the stop may sit at breakeven or better, so the
// stop ordering is only enforced before the first partial close.
func (p Position) CheckInvariants(allowedTiers []int) error {
	if p.State == StateFlat {
		return nil
	}
	if p.Size <= 0 {
		return fmt.Errorf("position %s: size %.8f not positive in state %s", p.Instrument, p.Size, p.State)
	}
	tierOK := false
	for _, t := range allowedTiers {
		if p.Leverage == t {
			tierOK = true
			break
		}
	}
	if !tierOK {
		return fmt.Errorf("position %s: leverage %dx not in allowed tiers %v", p.Instrument, p.Leverage, allowedTiers)
	}
	switch p.Side {
	case SideLong:
		if p.TP1 >= p.TP2 {
			return fmt.Errorf("position %s: long TP1 %.2f must be below TP2 %.2f", p.Instrument, p.TP1, p.TP2)
		}
		if !p.TP1Hit && p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("position %s: long stop %.2f not below entry %.2f", p.Instrument, p.StopLoss, p.EntryPrice)
		}
	case SideShort:
		if p.TP1 <= p.TP2 {
			return fmt.Errorf("position %s: short TP1 %.2f must be above TP2 %.2f", p.Instrument, p.TP1, p.TP2)
		}
		if !p.TP1Hit && p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("position %s: short stop %.2f not above entry %.2f", p.Instrument, p.StopLoss, p.EntryPrice)
		}
	default:
		return fmt.Errorf("position %s: unknown side %q", p.Instrument, p.Side)
	}
	if p.State.Pending() && p.PendingToken == "" {
		return fmt.Errorf("position %s: state %s without pending token", p.Instrument, p.State)
	}
	return nil
}
