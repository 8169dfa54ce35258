package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. One row
// per instrument; the state machine overwrites it on every transition.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `instrument, side, state, entry_price, size, leverage,
	tp1, tp2, tp1_close_pct, tp1_hit, stop_loss, realized_pnl, confidence,
	opened_at, pending_token, pending_since`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, state string
	var pendingSince sql.NullTime

	err := row.Scan(
		&p.Instrument, &side, &state,
		&p.EntryPrice, &p.Size, &p.Leverage,
		&p.TP1, &p.TP2, &p.TP1ClosePct, &p.TP1Hit,
		&p.StopLoss, &p.RealizedPnL, &p.Confidence,
		&p.OpenedAt, &p.PendingToken, &pendingSince,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	if pendingSince.Valid {
		p.PendingSince = pendingSince.Time
	}
	return p, nil
}

// Upsert writes the position snapshot, replacing any previous snapshot for
// the same instrument.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			instrument, side, state, entry_price, size, leverage,
			tp1, tp2, tp1_close_pct, tp1_hit, stop_loss, realized_pnl,
			confidence, opened_at, pending_token, pending_since, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, NOW()
		)
		ON CONFLICT (instrument) DO UPDATE SET
			side = EXCLUDED.side,
			state = EXCLUDED.state,
			entry_price = EXCLUDED.entry_price,
			size = EXCLUDED.size,
			leverage = EXCLUDED.leverage,
			tp1 = EXCLUDED.tp1,
			tp2 = EXCLUDED.tp2,
			tp1_close_pct = EXCLUDED.tp1_close_pct,
			tp1_hit = EXCLUDED.tp1_hit,
			stop_loss = EXCLUDED.stop_loss,
			realized_pnl = EXCLUDED.realized_pnl,
			confidence = EXCLUDED.confidence,
			opened_at = EXCLUDED.opened_at,
			pending_token = EXCLUDED.pending_token,
			pending_since = EXCLUDED.pending_since,
			updated_at = NOW()`

	var pendingSince any
	if !p.PendingSince.IsZero() {
		pendingSince = p.PendingSince
	}

	_, err := s.pool.Exec(ctx, query,
		p.Instrument, string(p.Side), string(p.State),
		p.EntryPrice, p.Size, p.Leverage,
		p.TP1, p.TP2, p.TP1ClosePct, p.TP1Hit,
		p.StopLoss, p.RealizedPnL, p.Confidence,
		p.OpenedAt, p.PendingToken, pendingSince,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.Instrument, err)
	}
	return nil
}

// Delete removes the snapshot for an instrument. Deleting a missing row is
// not an error; the end state is the same.
func (s *PositionStore) Delete(ctx context.Context, instrument string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE instrument = $1`, instrument)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", instrument, err)
	}
	return nil
}

// GetByInstrument returns the snapshot for one instrument.
func (s *PositionStore) GetByInstrument(ctx context.Context, instrument string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE instrument = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, instrument))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", instrument, err)
	}
	return p, nil
}

// ListOpen returns every persisted position snapshot.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions ORDER BY instrument`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return positions, nil
}
