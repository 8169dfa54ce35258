package domain

import "time"

// Tick is the latest observed price for an instrument. Stale marks a
// last-known value served because a fresh fetch failed.
type Tick struct {
	Instrument string
	Price      float64
	Timestamp  time.Time
	Stale      bool
}

// ChainSignalKind classifies on-chain smart-money flow.
type ChainSignalKind string

const (
	ChainAccumulation ChainSignalKind = "accumulation"
	ChainDistribution ChainSignalKind = "distribution"
	ChainNeutral      ChainSignalKind = "neutral"
)

// ChainSignal is one on-chain smart-money reading for an instrument.
type ChainSignal struct {
	Instrument         string
	Kind               ChainSignalKind
	Confidence         float64 // 0.0 - 1.0
	SmartMoneyNetflow  float64 // USD, positive = accumulation
	ExchangeNetflow    float64 // USD, positive = inflow to exchanges
	Timestamp          time.Time
	Stale              bool
}

// Bullish reports whether the signal favours longs.
func (s ChainSignal) Bullish() bool { return s.Kind == ChainAccumulation }

// Bearish reports whether the signal favours shorts.
func (s ChainSignal) Bearish() bool { return s.Kind == ChainDistribution }

// SignalSnapshot bundles every per-instrument input the decision engine
// consumes in one iteration.
type SignalSnapshot struct {
	Tick        Tick
	Chain       ChainSignal
	FundingRate float64

	// LongShortRatio is the exchange's account positioning, long accounts
	// divided by short accounts. Zero means no reading was available this
	// iteration and the crowded filter treats it as neutral.
	LongShortRatio float64
}

// ChainSignalLog is a persisted record of a fetched chain signal, kept for
// offline win-rate analysis.
type ChainSignalLog struct {
	ID            int64
	Timestamp     time.Time
	Instrument    string
	Kind          ChainSignalKind
	Confidence    float64
	SmartNetflow  float64
	ExchNetflow   float64
	PriceAtSignal float64
}
