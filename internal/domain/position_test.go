package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name        string
		side        Side
		entry, size float64
		leverage    int
		mark        float64
		want        float64
	}{
		{"long profit", SideLong, 50000, 0.5, 5, 51000, 2500},
		{"long loss", SideLong, 50000, 0.5, 5, 49000, -2500},
		{"short profit", SideShort, 50000, 0.5, 5, 49000, 2500},
		{"short loss", SideShort, 50000, 0.5, 5, 51000, -2500},
		{"flat mark", SideLong, 50000, 0.5, 5, 50000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Position{Side: tt.side, EntryPrice: tt.entry, Size: tt.size, Leverage: tt.leverage}
			got := p.UnrealizedPnL(tt.mark)
			if !almostEqual(got, tt.want) {
				t.Errorf("UnrealizedPnL(%v) = %v, want %v", tt.mark, got, tt.want)
			}
		})
	}
}

func TestNotionalAndMargin(t *testing.T) {
	p := Position{Side: SideLong, EntryPrice: 2000, Size: 1.5, Leverage: 4}
	if got := p.Notional(); !almostEqual(got, 12000) {
		t.Errorf("Notional() = %v, want 12000", got)
	}
	if got := p.Margin(); !almostEqual(got, 3000) {
		t.Errorf("Margin() = %v, want 3000", got)
	}
}

func TestCheckInvariants(t *testing.T) {
	tiers := []int{1, 3, 5, 10}
	base := Position{
		Instrument: "BTCUSDT",
		Side:       SideLong,
		State:      StateOpen,
		EntryPrice: 50000,
		Size:       0.5,
		Leverage:   5,
		TP1:        51500,
		TP2:        53000,
		StopLoss:   49000,
		OpenedAt:   time.Now(),
	}

	if err := base.CheckInvariants(tiers); err != nil {
		t.Fatalf("valid position rejected: %v", err)
	}

	t.Run("flat always passes", func(t *testing.T) {
		p := Position{State: StateFlat}
		if err := p.CheckInvariants(tiers); err != nil {
			t.Errorf("flat position rejected: %v", err)
		}
	})

	t.Run("zero size", func(t *testing.T) {
		p := base
		p.Size = 0
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for zero size")
		}
	})

	t.Run("leverage outside tiers", func(t *testing.T) {
		p := base
		p.Leverage = 7
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for leverage 7x")
		}
	})

	t.Run("long TP order inverted", func(t *testing.T) {
		p := base
		p.TP1, p.TP2 = p.TP2, p.TP1
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for TP1 above TP2")
		}
	})

	t.Run("long stop above entry", func(t *testing.T) {
		p := base
		p.StopLoss = 50500
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for stop above entry")
		}
	})

	t.Run("breakeven stop allowed after TP1", func(t *testing.T) {
		p := base
		p.TP1Hit = true
		p.StopLoss = 50250
		if err := p.CheckInvariants(tiers); err != nil {
			t.Errorf("breakeven stop rejected: %v", err)
		}
	})

	t.Run("short stop must be above entry", func(t *testing.T) {
		p := base
		p.Side = SideShort
		p.TP1, p.TP2 = 48500, 47000
		p.StopLoss = 49000
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for short stop below entry")
		}
	})

	t.Run("pending without token", func(t *testing.T) {
		p := base
		p.State = StatePendingOpen
		if err := p.CheckInvariants(tiers); err == nil {
			t.Error("expected error for pending state without token")
		}
	})
}

func TestComputeAccountState(t *testing.T) {
	positions := []Position{
		{Instrument: "BTCUSDT", Side: SideLong, State: StateOpen, EntryPrice: 50000, Size: 0.5, Leverage: 5},
		{Instrument: "ETHUSDT", Side: SideShort, State: StateOpen, EntryPrice: 2000, Size: 10, Leverage: 3},
	}
	marks := map[string]float64{
		"BTCUSDT": 51000,
		// ETHUSDT missing: falls back to entry price.
	}

	st := ComputeAccountState(100000, 1500, positions, marks)

	if st.OpenPositions != 2 {
		t.Errorf("OpenPositions = %d, want 2", st.OpenPositions)
	}
	// 0.5*50000 + 10*2000
	if !almostEqual(st.CommittedMargin, 45000) {
		t.Errorf("CommittedMargin = %v, want 45000", st.CommittedMargin)
	}
	// BTC long: (51000-50000)*0.5*5 = 2500, ETH falls back to entry -> 0.
	if !almostEqual(st.UnrealizedPnL, 2500) {
		t.Errorf("UnrealizedPnL = %v, want 2500", st.UnrealizedPnL)
	}
	if !almostEqual(st.AvailableMargin, 55000) {
		t.Errorf("AvailableMargin = %v, want 55000", st.AvailableMargin)
	}
	if !almostEqual(st.RealizedPnL, 1500) {
		t.Errorf("RealizedPnL = %v, want 1500", st.RealizedPnL)
	}
}

func TestComputeAccountStateClampsAvailableMargin(t *testing.T) {
	positions := []Position{
		{Instrument: "BTCUSDT", Side: SideLong, State: StateOpen, EntryPrice: 50000, Size: 1, Leverage: 5},
	}
	st := ComputeAccountState(10000, 0, positions, nil)
	if st.AvailableMargin != 0 {
		t.Errorf("AvailableMargin = %v, want 0", st.AvailableMargin)
	}
}

func TestTransientErrors(t *testing.T) {
	err := Transient("submit", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Error("expected transient")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error must not be transient")
	}
}
