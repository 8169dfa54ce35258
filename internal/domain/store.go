package domain

import (
	"context"
	"time"
)

// PositionStore persists position snapshots. The state machine is the only
// writer; a snapshot is committed after every state transition.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Delete(ctx context.Context, instrument string) error
	GetByInstrument(ctx context.Context, instrument string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}

// TradeStore persists terminal trade records, append-only.
type TradeStore interface {
	Insert(ctx context.Context, trade TradeRecord) error
	ListRecent(ctx context.Context, limit int) ([]TradeRecord, error)
	SumRealizedPnL(ctx context.Context) (float64, error)
	// ListClosedBefore and DeleteBefore support cold-storage archival.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EquityStore persists the equity curve.
type EquityStore interface {
	Insert(ctx context.Context, snap EquitySnapshot) error
	Latest(ctx context.Context) (EquitySnapshot, error)
}

// ChainSignalStore persists fetched chain signals for offline analysis.
type ChainSignalStore interface {
	Insert(ctx context.Context, entry ChainSignalLog) error
	ListByInstrument(ctx context.Context, instrument string, limit int) ([]ChainSignalLog, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of control-loop events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
