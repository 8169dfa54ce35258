package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara/perpbot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. Detail payloads
// are stored as JSONB so operators can query them directly.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, detail) VALUES ($1, $2)`,
		event, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit entry %s: %w", event, err)
	}
	return nil
}

// List returns the most recent audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Event, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	return entries, nil
}
