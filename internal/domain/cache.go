package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest tick per instrument so a failed fetch can fall
// back to a staleness-flagged last-known value.
type PriceCache interface {
	SetTick(ctx context.Context, tick Tick) error
	GetTick(ctx context.Context, instrument string) (Tick, error)
}

// ChainSignalCache holds the latest chain signal per instrument.
type ChainSignalCache interface {
	SetSignal(ctx context.Context, sig ChainSignal) error
	GetSignal(ctx context.Context, instrument string) (ChainSignal, error)
}

// StatusSnapshot is the read-only view published for dashboard consumers.
// Background readers only ever see a consistent copy; they never touch the
// live position set.
type StatusSnapshot struct {
	Timestamp     time.Time
	Mode          string
	Halted        bool
	HaltReason    string
	Account       AccountState
	Positions     []Position
	Iteration     int64
	LastIteration time.Duration
}

// StatusCache publishes the latest status snapshot.
type StatusCache interface {
	SetStatus(ctx context.Context, snap StatusSnapshot) error
	GetStatus(ctx context.Context) (StatusSnapshot, error)
}

// EventBus is the structured event sink the control loop reports to at
// defined points: iteration start/end, action decided, action rejected,
// transition applied.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
