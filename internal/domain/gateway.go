package domain

import "context"

// MarketGateway supplies price ticks and funding data. It is read-only to
// the core; transient unavailability is tolerated upstream by serving a
// staleness-flagged last-known value.
type MarketGateway interface {
	LatestTick(ctx context.Context, instrument string) (Tick, error)
	FundingRate(ctx context.Context, instrument string) (float64, error)
	// LongShortRatio reports account positioning for an instrument, long
	// accounts divided by short accounts.
	LongShortRatio(ctx context.Context, instrument string) (float64, error)
}

// ChainSignalProvider supplies on-chain smart-money signal snapshots.
type ChainSignalProvider interface {
	Signal(ctx context.Context, instrument string) (ChainSignal, error)
}

// ExecutionGateway submits orders and reports authoritative order and
// position status. Submissions are asynchronous and retryable; every
// submission carries an idempotency token.
type ExecutionGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	QueryOrder(ctx context.Context, token string) (OrderResult, error)
	CancelOrder(ctx context.Context, token string) error
	// Position returns the exchange's view of an instrument, used during
	// reconciliation-on-boot.
	Position(ctx context.Context, instrument string) (ExchangePosition, error)
	Equity(ctx context.Context) (float64, error)
}
