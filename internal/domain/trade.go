package domain

import "time"

// ExitReason records why a position was fully closed.
type ExitReason string

const (
	ExitTP1         ExitReason = "TP1"
	ExitTP2         ExitReason = "TP2"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitManual      ExitReason = "MANUAL"
	ExitLiquidation ExitReason = "LIQUIDATION"
)

// TradeRecord is the immutable historical fact persisted when a position is
// fully closed. It is append-only and never mutated after creation.
type TradeRecord struct {
	ID          string // UUID
	Instrument  string
	Side        Side
	EntryPrice  float64
	ExitPrice   float64
	Size        float64 // original size at open
	Leverage    int
	RealizedPnL float64
	ExitReason  ExitReason
	Detail      string // free-text context, e.g. early-exit trigger
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// EquitySnapshot is one point on the equity curve, recorded every iteration.
type EquitySnapshot struct {
	ID            int64
	Timestamp     time.Time
	Equity        float64
	UnrealizedPnL float64
	RealizedPnL   float64
	OpenPositions int
}
