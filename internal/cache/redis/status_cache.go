package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantara/perpbot/internal/domain"
)

// statusKey is where the latest loop status snapshot is published.
const statusKey = "status:latest"

// StatusCache implements domain.StatusCache with a single JSON value.
// Dashboard and CLI consumers read it without ever touching loop state.
type StatusCache struct {
	rdb *redis.Client
}

var _ domain.StatusCache = (*StatusCache)(nil)

// NewStatusCache creates a StatusCache backed by the given Client.
func NewStatusCache(c *Client) *StatusCache {
	return &StatusCache{rdb: c.Underlying()}
}

// SetStatus publishes the latest status snapshot.
func (sc *StatusCache) SetStatus(ctx context.Context, snap domain.StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal status: %w", err)
	}
	if err := sc.rdb.Set(ctx, statusKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set status: %w", err)
	}
	return nil
}

// GetStatus retrieves the latest status snapshot. It returns
// domain.ErrNotFound when none has been published.
func (sc *StatusCache) GetStatus(ctx context.Context) (domain.StatusSnapshot, error) {
	data, err := sc.rdb.Get(ctx, statusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StatusSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("redis: get status: %w", err)
	}

	var snap domain.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("redis: decode status: %w", err)
	}
	return snap, nil
}
