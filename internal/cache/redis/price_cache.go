package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantara/perpbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's last tick lives at "tick:{instrument}" with fields "price"
// and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickKey(instrument string) string {
	return "tick:" + instrument
}

// SetTick stores the latest tick for an instrument.
func (pc *PriceCache) SetTick(ctx context.Context, tick domain.Tick) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(tick.Price, 'f', -1, 64),
		"ts":    strconv.FormatInt(tick.Timestamp.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, tickKey(tick.Instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.Instrument, err)
	}
	return nil
}

// GetTick retrieves the last stored tick for an instrument. It returns
// domain.ErrNotFound when no tick has ever been written.
func (pc *PriceCache) GetTick(ctx context.Context, instrument string) (domain.Tick, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickKey(instrument)).Result()
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: parse tick price %s: %w", instrument, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: parse tick ts %s: %w", instrument, err)
	}

	return domain.Tick{
		Instrument: instrument,
		Price:      price,
		Timestamp:  time.Unix(0, tsNano).UTC(),
	}, nil
}
