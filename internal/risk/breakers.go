package risk

import (
	"fmt"
	"time"

	"github.com/quantara/perpbot/internal/config"
)

// Breakers tracks account-level circuit-breaker state across iterations:
// peak-equity drawdown, daily loss, and consecutive losses. It is owned by
// the control loop and only ever touched from the loop goroutine, so it
// needs no locking.
type Breakers struct {
	cfg config.RiskConfig

	peakEquity  float64
	dailyPnL    float64
	dailyAnchor time.Time

	wins              int
	losses            int
	consecutiveLosses int

	halted     bool
	haltReason string

	lastEntry map[string]time.Time // instrument -> last open, for cooldown
	now       func() time.Time
}

// NewBreakers creates breaker state seeded with the starting equity.
func NewBreakers(cfg config.RiskConfig, startingEquity float64) *Breakers {
	return &Breakers{
		cfg:         cfg,
		peakEquity:  startingEquity,
		dailyAnchor: time.Now().UTC(),
		lastEntry:   make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Check runs all breakers against current equity. It returns false with a
// reason when any breaker is tripped. Tripped drawdown and loss-streak
// breakers latch until Reset; the daily limit clears at the next UTC day.
func (b *Breakers) Check(equity float64) (bool, string) {
	b.rollDaily()

	if equity > b.peakEquity {
		b.peakEquity = equity
	}

	if b.peakEquity > 0 {
		drawdown := (b.peakEquity - equity) / b.peakEquity * 100
		if drawdown >= b.cfg.MaxDrawdownPct {
			b.halted = true
			b.haltReason = fmt.Sprintf("max drawdown %.1f%% reached", drawdown)
			return false, b.haltReason
		}
	}

	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		b.halted = true
		b.haltReason = fmt.Sprintf("%d consecutive losses", b.consecutiveLosses)
		return false, b.haltReason
	}

	if equity > 0 {
		dailyLossPct := b.dailyPnL / equity * 100
		if dailyLossPct <= -b.cfg.DailyLossLimitPct {
			return false, fmt.Sprintf("daily loss limit %.1f%% reached", -dailyLossPct)
		}
	}

	if b.halted {
		return false, "halted: " + b.haltReason
	}
	return true, ""
}

// RecordEntry notes an entry for the per-instrument cooldown.
func (b *Breakers) RecordEntry(instrument string) {
	b.lastEntry[instrument] = b.now()
}

// CooldownActive reports whether the instrument is still inside its minimum
// re-entry interval.
func (b *Breakers) CooldownActive(instrument string) bool {
	last, ok := b.lastEntry[instrument]
	if !ok {
		return false
	}
	return b.now().Sub(last) < b.cfg.Cooldown()
}

// RecordResult updates win/loss statistics with a realized PnL outcome.
func (b *Breakers) RecordResult(pnl, equity float64) {
	b.dailyPnL += pnl
	if pnl > 0 {
		b.wins++
		b.consecutiveLosses = 0
		if equity > b.peakEquity {
			b.peakEquity = equity
		}
	} else {
		b.losses++
		b.consecutiveLosses++
	}
}

// WinRate returns the win percentage over all recorded results.
func (b *Breakers) WinRate() float64 {
	total := b.wins + b.losses
	if total == 0 {
		return 0
	}
	return float64(b.wins) / float64(total) * 100
}

// Stats returns counters for logging and the status snapshot.
func (b *Breakers) Stats() (wins, losses, streak int, dailyPnL float64) {
	return b.wins, b.losses, b.consecutiveLosses, b.dailyPnL
}

// Reset clears a latched halt and the loss streak. Breaker state lives only
// in memory, so the supported operator path is a process restart, which runs
// boot reconciliation before trading resumes; Reset exists for embedders
// that manage the lifecycle themselves.
func (b *Breakers) Reset() {
	b.halted = false
	b.haltReason = ""
	b.consecutiveLosses = 0
}

// rollDaily resets the daily PnL counter at the UTC day boundary. A latched
// daily-loss halt does not survive the rollover; drawdown and loss-streak
// halts do.
func (b *Breakers) rollDaily() {
	now := b.now()
	if now.YearDay() != b.dailyAnchor.YearDay() || now.Year() != b.dailyAnchor.Year() {
		b.dailyPnL = 0
		b.dailyAnchor = now
	}
}
