// Package feed assembles the per-instrument signal snapshot each iteration:
// price tick, chain signal, and funding rate. Transient source failures fall
// back to cached last-known values flagged stale rather than failing the
// iteration.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantara/perpbot/internal/domain"
)

// Feed fetches signal inputs with cache-backed staleness fallback. A primary
// chain-signal provider may be backed by an optional fallback provider that
// is consulted before the cache.
type Feed struct {
	market   domain.MarketGateway
	chain    domain.ChainSignalProvider
	fallback domain.ChainSignalProvider // optional, may be nil

	prices  domain.PriceCache
	signals domain.ChainSignalCache

	staleAfter time.Duration
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// New creates a feed. fallback may be nil.
func New(market domain.MarketGateway, chain, fallback domain.ChainSignalProvider,
	prices domain.PriceCache, signals domain.ChainSignalCache,
	staleAfter, timeout time.Duration, log *slog.Logger) *Feed {
	return &Feed{
		market:     market,
		chain:      chain,
		fallback:   fallback,
		prices:     prices,
		signals:    signals,
		staleAfter: staleAfter,
		timeout:    timeout,
		log:        log.With("component", "feed"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot gathers all inputs for one instrument. It never returns an error
// for a transient source failure; the affected field is served from cache
// and flagged stale instead. An empty snapshot with Stale set everywhere
// means no data has ever been seen for the instrument.
func (f *Feed) Snapshot(ctx context.Context, instrument string) domain.SignalSnapshot {
	return domain.SignalSnapshot{
		Tick:           f.tick(ctx, instrument),
		Chain:          f.chainSignal(ctx, instrument),
		FundingRate:    f.funding(ctx, instrument),
		LongShortRatio: f.longShortRatio(ctx, instrument),
	}
}

func (f *Feed) tick(ctx context.Context, instrument string) domain.Tick {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tick, err := f.market.LatestTick(fctx, instrument)
	if err == nil && tick.Price > 0 {
		if cerr := f.prices.SetTick(ctx, tick); cerr != nil {
			f.log.Warn("price cache write failed", "instrument", instrument, "err", cerr)
		}
		return tick
	}
	f.log.Warn("tick fetch failed, falling back to cache", "instrument", instrument, "err", err)

	cached, cerr := f.prices.GetTick(ctx, instrument)
	if cerr != nil {
		return domain.Tick{Instrument: instrument, Stale: true}
	}
	cached.Stale = true
	return cached
}

func (f *Feed) chainSignal(ctx context.Context, instrument string) domain.ChainSignal {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	sig, err := f.chain.Signal(fctx, instrument)
	if err != nil && f.fallback != nil {
		f.log.Warn("primary chain signal failed, trying fallback", "instrument", instrument, "err", err)
		sig, err = f.fallback.Signal(fctx, instrument)
	}
	if err == nil {
		if cerr := f.signals.SetSignal(ctx, sig); cerr != nil {
			f.log.Warn("signal cache write failed", "instrument", instrument, "err", cerr)
		}
		return sig
	}
	f.log.Warn("chain signal fetch failed, falling back to cache", "instrument", instrument, "err", err)

	cached, cerr := f.signals.GetSignal(ctx, instrument)
	if cerr != nil {
		return domain.ChainSignal{Instrument: instrument, Kind: domain.ChainNeutral, Stale: true}
	}
	cached.Stale = true
	return cached
}

// funding returns zero on failure: with no reading, neither the crowded
// filter nor the early exit should trigger.
func (f *Feed) funding(ctx context.Context, instrument string) float64 {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rate, err := f.market.FundingRate(fctx, instrument)
	if err != nil {
		f.log.Warn("funding fetch failed", "instrument", instrument, "err", err)
		return 0
	}
	return rate
}

// longShortRatio returns zero on failure, which the crowded filter treats
// as no reading.
func (f *Feed) longShortRatio(ctx context.Context, instrument string) float64 {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ratio, err := f.market.LongShortRatio(fctx, instrument)
	if err != nil {
		f.log.Warn("long/short ratio fetch failed", "instrument", instrument, "err", err)
		return 0
	}
	return ratio
}

// MarkStaleness re-flags a snapshot's signal components whose timestamps
// have aged past the staleness window, catching cached values that were
// fresh when written.
func (f *Feed) MarkStaleness(snap *domain.SignalSnapshot) {
	now := f.now()
	if !snap.Tick.Timestamp.IsZero() && now.Sub(snap.Tick.Timestamp) > f.staleAfter {
		snap.Tick.Stale = true
	}
	if !snap.Chain.Timestamp.IsZero() && now.Sub(snap.Chain.Timestamp) > f.staleAfter {
		snap.Chain.Stale = true
	}
}
