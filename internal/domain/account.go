package domain

// AccountState is the derived aggregate over the open position set plus the
// persisted equity baseline. It is recomputed every iteration and never
// independently mutated.
type AccountState struct {
	Equity          float64
	CommittedMargin float64
	AvailableMargin float64
	UnrealizedPnL   float64
	RealizedPnL     float64 // cumulative, from closed trades
	OpenPositions   int
}

// ComputeAccountState derives the aggregate from equity, the open positions,
// and the latest mark prices. Instruments missing from marks fall back to
// their entry price (zero unrealized contribution).
func ComputeAccountState(equity, realized float64, positions []Position, marks map[string]float64) AccountState {
	st := AccountState{
		Equity:        equity,
		RealizedPnL:   realized,
		OpenPositions: len(positions),
	}
	for _, p := range positions {
		st.CommittedMargin += p.Margin()
		mark, ok := marks[p.Instrument]
		if !ok {
			mark = p.EntryPrice
		}
		st.UnrealizedPnL += p.UnrealizedPnL(mark)
	}
	st.AvailableMargin = st.Equity - st.CommittedMargin
	if st.AvailableMargin < 0 {
		st.AvailableMargin = 0
	}
	return st
}
