package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara/perpbot/internal/domain"
)

// SignalStore implements domain.ChainSignalStore using PostgreSQL. Kept for
// offline win-rate analysis against the signals that drove entries.
type SignalStore struct {
	pool *pgxpool.Pool
}

var _ domain.ChainSignalStore = (*SignalStore)(nil)

// NewSignalStore creates a SignalStore backed by the given pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert appends one chain-signal observation.
func (s *SignalStore) Insert(ctx context.Context, entry domain.ChainSignalLog) error {
	const query = `
		INSERT INTO chain_signals (ts, instrument, kind, confidence, smart_netflow, exchange_netflow, price_at_signal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		entry.Timestamp, entry.Instrument, string(entry.Kind),
		entry.Confidence, entry.SmartNetflow, entry.ExchNetflow, entry.PriceAtSignal,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert chain signal: %w", err)
	}
	return nil
}

// ListByInstrument returns the latest signal observations for an instrument,
// newest first.
func (s *SignalStore) ListByInstrument(ctx context.Context, instrument string, limit int) ([]domain.ChainSignalLog, error) {
	const query = `
		SELECT id, ts, instrument, kind, confidence, smart_netflow, exchange_netflow, price_at_signal
		FROM chain_signals WHERE instrument = $1 ORDER BY ts DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chain signals %s: %w", instrument, err)
	}
	defer rows.Close()

	var entries []domain.ChainSignalLog
	for rows.Next() {
		var e domain.ChainSignalLog
		var kind string
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Instrument, &kind,
			&e.Confidence, &e.SmartNetflow, &e.ExchNetflow, &e.PriceAtSignal,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan chain signal: %w", err)
		}
		e.Kind = domain.ChainSignalKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list chain signals %s: %w", instrument, err)
	}
	return entries, nil
}
