package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantara/perpbot/internal/domain"
)

// SignalCache implements domain.ChainSignalCache using JSON values at
// "chainsig:{instrument}".
type SignalCache struct {
	rdb *redis.Client
}

var _ domain.ChainSignalCache = (*SignalCache)(nil)

// NewSignalCache creates a SignalCache backed by the given Client.
func NewSignalCache(c *Client) *SignalCache {
	return &SignalCache{rdb: c.Underlying()}
}

func signalKey(instrument string) string {
	return "chainsig:" + instrument
}

// SetSignal stores the latest chain signal for an instrument.
func (sc *SignalCache) SetSignal(ctx context.Context, sig domain.ChainSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: marshal signal %s: %w", sig.Instrument, err)
	}
	if err := sc.rdb.Set(ctx, signalKey(sig.Instrument), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set signal %s: %w", sig.Instrument, err)
	}
	return nil
}

// GetSignal retrieves the last stored chain signal for an instrument. It
// returns domain.ErrNotFound when no signal has ever been written.
func (sc *SignalCache) GetSignal(ctx context.Context, instrument string) (domain.ChainSignal, error) {
	data, err := sc.rdb.Get(ctx, signalKey(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ChainSignal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ChainSignal{}, fmt.Errorf("redis: get signal %s: %w", instrument, err)
	}

	var sig domain.ChainSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return domain.ChainSignal{}, fmt.Errorf("redis: decode signal %s: %w", instrument, err)
	}
	return sig, nil
}
