package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quantara/perpbot/internal/domain"
)

type stubMarket struct {
	tick     domain.Tick
	tickErr  error
	funding  float64
	fundErr  error
	ratio    float64
	ratioErr error
}

func (s *stubMarket) LatestTick(context.Context, string) (domain.Tick, error) {
	return s.tick, s.tickErr
}

func (s *stubMarket) FundingRate(context.Context, string) (float64, error) {
	return s.funding, s.fundErr
}

func (s *stubMarket) LongShortRatio(context.Context, string) (float64, error) {
	return s.ratio, s.ratioErr
}

type stubChain struct {
	sig   domain.ChainSignal
	err   error
	calls int
}

func (s *stubChain) Signal(context.Context, string) (domain.ChainSignal, error) {
	s.calls++
	return s.sig, s.err
}

type memCaches struct {
	ticks   map[string]domain.Tick
	signals map[string]domain.ChainSignal
}

func newMemCaches() *memCaches {
	return &memCaches{ticks: make(map[string]domain.Tick), signals: make(map[string]domain.ChainSignal)}
}

func (m *memCaches) SetTick(_ context.Context, tick domain.Tick) error {
	m.ticks[tick.Instrument] = tick
	return nil
}

func (m *memCaches) GetTick(_ context.Context, instrument string) (domain.Tick, error) {
	tick, ok := m.ticks[instrument]
	if !ok {
		return domain.Tick{}, domain.ErrNotFound
	}
	return tick, nil
}

func (m *memCaches) SetSignal(_ context.Context, sig domain.ChainSignal) error {
	m.signals[sig.Instrument] = sig
	return nil
}

func (m *memCaches) GetSignal(_ context.Context, instrument string) (domain.ChainSignal, error) {
	sig, ok := m.signals[instrument]
	if !ok {
		return domain.ChainSignal{}, domain.ErrNotFound
	}
	return sig, nil
}

func newFeed(market *stubMarket, chain, fallback domain.ChainSignalProvider, caches *memCaches) *Feed {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(market, chain, fallback, caches, caches, 2*time.Minute, time.Second, log)
}

func TestSnapshotFreshSources(t *testing.T) {
	now := time.Now().UTC()
	market := &stubMarket{
		tick:    domain.Tick{Instrument: "BTCUSDT", Price: 50_000, Timestamp: now},
		funding: 0.0001,
		ratio:   1.8,
	}
	chain := &stubChain{sig: domain.ChainSignal{
		Instrument: "BTCUSDT", Kind: domain.ChainAccumulation, Confidence: 0.8, Timestamp: now,
	}}
	caches := newMemCaches()

	snap := newFeed(market, chain, nil, caches).Snapshot(context.Background(), "BTCUSDT")

	if snap.Tick.Stale || snap.Tick.Price != 50_000 {
		t.Errorf("tick = %+v, want fresh 50000", snap.Tick)
	}
	if snap.Chain.Stale || snap.Chain.Kind != domain.ChainAccumulation {
		t.Errorf("chain = %+v, want fresh accumulation", snap.Chain)
	}
	if snap.FundingRate != 0.0001 {
		t.Errorf("funding = %v, want 0.0001", snap.FundingRate)
	}
	if snap.LongShortRatio != 1.8 {
		t.Errorf("long/short ratio = %v, want 1.8", snap.LongShortRatio)
	}

	// Fresh values must land in the caches for later fallback.
	if _, err := caches.GetTick(context.Background(), "BTCUSDT"); err != nil {
		t.Error("fresh tick was not cached")
	}
	if _, err := caches.GetSignal(context.Background(), "BTCUSDT"); err != nil {
		t.Error("fresh signal was not cached")
	}
}

func TestSnapshotFallsBackToCacheStale(t *testing.T) {
	market := &stubMarket{
		tickErr:  errors.New("gateway down"),
		fundErr:  errors.New("gateway down"),
		ratioErr: errors.New("gateway down"),
	}
	chain := &stubChain{err: errors.New("api down")}
	caches := newMemCaches()
	caches.ticks["BTCUSDT"] = domain.Tick{Instrument: "BTCUSDT", Price: 49_500, Timestamp: time.Now()}
	caches.signals["BTCUSDT"] = domain.ChainSignal{
		Instrument: "BTCUSDT", Kind: domain.ChainDistribution, Confidence: 0.7, Timestamp: time.Now(),
	}

	snap := newFeed(market, chain, nil, caches).Snapshot(context.Background(), "BTCUSDT")

	if !snap.Tick.Stale || snap.Tick.Price != 49_500 {
		t.Errorf("tick = %+v, want cached 49500 flagged stale", snap.Tick)
	}
	if !snap.Chain.Stale || snap.Chain.Kind != domain.ChainDistribution {
		t.Errorf("chain = %+v, want cached distribution flagged stale", snap.Chain)
	}
	if snap.FundingRate != 0 {
		t.Errorf("funding = %v, want 0 on failure", snap.FundingRate)
	}
	if snap.LongShortRatio != 0 {
		t.Errorf("long/short ratio = %v, want 0 on failure", snap.LongShortRatio)
	}
}

func TestSnapshotEmptyCacheYieldsStaleNeutral(t *testing.T) {
	market := &stubMarket{tickErr: errors.New("down")}
	chain := &stubChain{err: errors.New("down")}

	snap := newFeed(market, chain, nil, newMemCaches()).Snapshot(context.Background(), "BTCUSDT")

	if !snap.Tick.Stale || snap.Tick.Price != 0 {
		t.Errorf("tick = %+v, want empty stale", snap.Tick)
	}
	if !snap.Chain.Stale || snap.Chain.Kind != domain.ChainNeutral {
		t.Errorf("chain = %+v, want stale neutral", snap.Chain)
	}
}

func TestSnapshotUsesFallbackProvider(t *testing.T) {
	now := time.Now().UTC()
	market := &stubMarket{tick: domain.Tick{Instrument: "BTCUSDT", Price: 50_000, Timestamp: now}}
	primary := &stubChain{err: errors.New("nansen down")}
	fallback := &stubChain{sig: domain.ChainSignal{
		Instrument: "BTCUSDT", Kind: domain.ChainAccumulation, Confidence: 0.4, Timestamp: now,
	}}

	snap := newFeed(market, primary, fallback, newMemCaches()).Snapshot(context.Background(), "BTCUSDT")

	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls primary=%d fallback=%d, want 1 each", primary.calls, fallback.calls)
	}
	if snap.Chain.Stale || snap.Chain.Confidence != 0.4 {
		t.Errorf("chain = %+v, want fresh fallback signal", snap.Chain)
	}
}

func TestMarkStaleness(t *testing.T) {
	f := newFeed(&stubMarket{}, &stubChain{}, nil, newMemCaches())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	snap := domain.SignalSnapshot{
		Tick:  domain.Tick{Instrument: "BTCUSDT", Price: 50_000, Timestamp: base.Add(-3 * time.Minute)},
		Chain: domain.ChainSignal{Instrument: "BTCUSDT", Kind: domain.ChainAccumulation, Timestamp: base.Add(-time.Minute)},
	}
	f.MarkStaleness(&snap)

	if !snap.Tick.Stale {
		t.Error("tick older than the window must be re-flagged stale")
	}
	if snap.Chain.Stale {
		t.Error("signal within the window must stay fresh")
	}
}
