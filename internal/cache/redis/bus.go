package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantara/perpbot/internal/domain"
)

// EventBus implements domain.EventBus using Redis Pub/Sub. Events are
// fire-and-forget; a consumer that is not listening misses them, which is
// fine for the loop's progress events.
type EventBus struct {
	rdb *redis.Client
}

var _ domain.EventBus = (*EventBus)(nil)

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends a raw byte payload to a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}
