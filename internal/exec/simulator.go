// Package exec provides execution-gateway implementations that are not tied
// to a specific exchange.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quantara/perpbot/internal/domain"
)

// Simulator is an in-process execution gateway for dry-run mode. Orders fill
// instantly at the current cached price and positions are tracked in memory.
// It honours idempotency tokens the same way a real exchange would: a
// re-submitted token returns the original result without a second fill.
type Simulator struct {
	prices domain.PriceCache
	log    *slog.Logger

	mu        sync.Mutex
	equity    float64
	orders    map[string]domain.OrderResult   // token -> result
	positions map[string]domain.ExchangePosition
	seq       int
}

var _ domain.ExecutionGateway = (*Simulator)(nil)

// NewSimulator creates a simulator seeded with starting equity. Prices come
// from the shared price cache so simulated fills track the live feed.
func NewSimulator(prices domain.PriceCache, startingEquity float64, log *slog.Logger) *Simulator {
	return &Simulator{
		prices:    prices,
		log:       log.With("component", "simulator"),
		equity:    startingEquity,
		orders:    make(map[string]domain.OrderResult),
		positions: make(map[string]domain.ExchangePosition),
	}
}

// SubmitOrder fills the order at the latest cached price. Duplicate tokens
// return the first result unchanged.
func (s *Simulator) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Token == "" {
		return domain.OrderResult{}, fmt.Errorf("simulator: order without idempotency token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.orders[req.Token]; ok {
		s.log.Debug("duplicate token, returning original fill", "token", req.Token)
		return prev, nil
	}

	tick, err := s.prices.GetTick(ctx, req.Instrument)
	if err != nil {
		return domain.OrderResult{}, domain.Transient("simulator price lookup", err)
	}
	if tick.Price <= 0 {
		return domain.OrderResult{}, domain.Transient("simulator price lookup",
			fmt.Errorf("no price for %s", req.Instrument))
	}

	s.seq++
	res := domain.OrderResult{
		Token:      req.Token,
		OrderID:    fmt.Sprintf("sim-%06d", s.seq),
		Status:     domain.OrderStatusFilled,
		FillPrice:  tick.Price,
		FilledSize: req.Size,
	}

	if req.ReduceOnly {
		s.reduce(req, tick.Price)
	} else {
		s.positions[req.Instrument] = domain.ExchangePosition{
			Instrument: req.Instrument,
			Side:       req.Side,
			Size:       req.Size,
			EntryPrice: tick.Price,
		}
	}

	s.orders[req.Token] = res
	s.log.Info("simulated fill",
		"instrument", req.Instrument, "side", req.Side, "size", req.Size,
		"price", tick.Price, "reduce_only", req.ReduceOnly)
	return res, nil
}

// reduce shrinks or clears the simulated position and settles PnL into
// simulated equity. Caller holds the lock.
func (s *Simulator) reduce(req domain.OrderRequest, price float64) {
	pos, ok := s.positions[req.Instrument]
	if !ok {
		return
	}
	pnl := (price - pos.EntryPrice) * req.Size * pos.Side.Dir() * float64(req.Leverage)
	s.equity += pnl

	pos.Size -= req.Size
	if pos.Size <= 1e-12 {
		delete(s.positions, req.Instrument)
	} else {
		s.positions[req.Instrument] = pos
	}
}

// QueryOrder returns the recorded result for a token, or status unknown for
// a token the simulator has never seen.
func (s *Simulator) QueryOrder(_ context.Context, token string) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.orders[token]; ok {
		return res, nil
	}
	return domain.OrderResult{Token: token, Status: domain.OrderStatusUnknown}, nil
}

// CancelOrder marks a never-seen token cancelled. Fills are instantaneous,
// so an already-filled order cannot be cancelled.
func (s *Simulator) CancelOrder(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[token]; ok {
		return fmt.Errorf("simulator: order %s already filled", token)
	}
	s.orders[token] = domain.OrderResult{Token: token, Status: domain.OrderStatusCancelled}
	return nil
}

// Position returns the simulator's view of an instrument, flat when unknown.
func (s *Simulator) Position(_ context.Context, instrument string) (domain.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[instrument]; ok {
		return pos, nil
	}
	return domain.ExchangePosition{Instrument: instrument}, nil
}

// Equity returns the simulated account equity.
func (s *Simulator) Equity(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}
