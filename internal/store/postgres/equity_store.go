package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara/perpbot/internal/domain"
)

// EquityStore implements domain.EquityStore using PostgreSQL.
type EquityStore struct {
	pool *pgxpool.Pool
}

var _ domain.EquityStore = (*EquityStore)(nil)

// NewEquityStore creates an EquityStore backed by the given pool.
func NewEquityStore(pool *pgxpool.Pool) *EquityStore {
	return &EquityStore{pool: pool}
}

// Insert appends one point to the equity curve.
func (s *EquityStore) Insert(ctx context.Context, snap domain.EquitySnapshot) error {
	const query = `
		INSERT INTO equity_snapshots (ts, equity, unrealized_pnl, realized_pnl, open_positions)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		snap.Timestamp, snap.Equity, snap.UnrealizedPnL, snap.RealizedPnL, snap.OpenPositions,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert equity snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent equity snapshot.
func (s *EquityStore) Latest(ctx context.Context) (domain.EquitySnapshot, error) {
	const query = `
		SELECT id, ts, equity, unrealized_pnl, realized_pnl, open_positions
		FROM equity_snapshots ORDER BY ts DESC LIMIT 1`

	var snap domain.EquitySnapshot
	err := s.pool.QueryRow(ctx, query).Scan(
		&snap.ID, &snap.Timestamp, &snap.Equity,
		&snap.UnrealizedPnL, &snap.RealizedPnL, &snap.OpenPositions,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EquitySnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EquitySnapshot{}, fmt.Errorf("postgres: latest equity snapshot: %w", err)
	}
	return snap, nil
}
