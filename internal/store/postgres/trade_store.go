package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara/perpbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Rows are
// append-only and never updated.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, instrument, side, entry_price, exit_price, size,
	leverage, realized_pnl, exit_reason, detail, opened_at, closed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side, reason string
		if err := rows.Scan(
			&t.ID, &t.Instrument, &side,
			&t.EntryPrice, &t.ExitPrice, &t.Size,
			&t.Leverage, &t.RealizedPnL, &reason, &t.Detail,
			&t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert appends a terminal trade record.
func (s *TradeStore) Insert(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, instrument, side, entry_price, exit_price, size,
			leverage, realized_pnl, exit_reason, detail, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Instrument, string(t.Side),
		t.EntryPrice, t.ExitPrice, t.Size,
		t.Leverage, t.RealizedPnL, string(t.ExitReason), t.Detail,
		t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListRecent returns the most recently closed trades, newest first.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades ORDER BY closed_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// SumRealizedPnL returns cumulative realized PnL across all closed trades.
func (s *TradeStore) SumRealizedPnL(ctx context.Context) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM trades`,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum, nil
}

// ListClosedBefore returns trades closed before the cutoff, oldest first,
// for archival batching.
func (s *TradeStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE closed_at < $1 ORDER BY closed_at ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", cutoff, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// DeleteBefore removes trades closed before the cutoff, returning the number
// of rows removed. Only called after the batch has been archived.
func (s *TradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
