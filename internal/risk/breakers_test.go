package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/quantara/perpbot/internal/config"
)

func breakerCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPct:       15,
		DailyLossLimitPct:    6,
		MaxConsecutiveLosses: 3,
		CooldownMinutes:      60,
	}
}

func TestBreakersAllowByDefault(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	ok, reason := b.Check(10_000)
	if !ok {
		t.Fatalf("fresh breakers tripped: %s", reason)
	}
}

func TestBreakersDrawdownLatches(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)

	if ok, _ := b.Check(9_000); !ok { // 10% drawdown, fine
		t.Fatal("10%% drawdown should not trip")
	}
	ok, reason := b.Check(8_400) // 16% from peak
	if ok {
		t.Fatal("16%% drawdown should trip")
	}
	if !strings.Contains(reason, "drawdown") {
		t.Errorf("reason = %q, want drawdown", reason)
	}

	// Latched: recovery does not clear it.
	if ok, _ := b.Check(10_000); ok {
		t.Error("drawdown halt must latch until Reset")
	}
	b.Reset()
	if ok, _ := b.Check(10_000); !ok {
		t.Error("Reset should clear the latch")
	}
}

func TestBreakersPeakTracksHighWater(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	b.Check(12_000)
	// 16% below the new 12k peak.
	if ok, _ := b.Check(10_080); ok {
		t.Error("drawdown must be measured from the high-water mark")
	}
}

func TestBreakersConsecutiveLosses(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	b.RecordResult(-100, 9_900)
	b.RecordResult(-100, 9_800)
	if ok, _ := b.Check(9_800); !ok {
		t.Fatal("2 losses should not trip")
	}
	b.RecordResult(-100, 9_700)
	if ok, _ := b.Check(9_700); ok {
		t.Fatal("3 consecutive losses should trip")
	}

	// A win in between resets the streak.
	b2 := NewBreakers(breakerCfg(), 10_000)
	b2.RecordResult(-100, 9_900)
	b2.RecordResult(-100, 9_800)
	b2.RecordResult(50, 9_850)
	b2.RecordResult(-100, 9_750)
	if ok, _ := b2.Check(9_750); !ok {
		t.Error("streak should reset after a win")
	}
}

func TestBreakersDailyLossLimit(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	b.RecordResult(-700, 9_300) // 7% of 9.3k equity ~ 7.5%
	ok, reason := b.Check(9_300)
	if ok {
		t.Fatal("daily loss beyond limit should trip")
	}
	if !strings.Contains(reason, "daily") {
		t.Errorf("reason = %q, want daily loss", reason)
	}

	// Next UTC day clears it.
	b.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	if ok, _ := b.Check(9_300); !ok {
		t.Error("daily loss limit must reset at the UTC day boundary")
	}
}

func TestBreakersCooldown(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	if b.CooldownActive("BTCUSDT") {
		t.Fatal("no entry recorded, cooldown must be inactive")
	}
	b.RecordEntry("BTCUSDT")
	if !b.CooldownActive("BTCUSDT") {
		t.Fatal("cooldown must be active right after entry")
	}
	if b.CooldownActive("ETHUSDT") {
		t.Fatal("cooldown is per instrument")
	}

	b.now = func() time.Time { return base.Add(61 * time.Minute) }
	if b.CooldownActive("BTCUSDT") {
		t.Fatal("cooldown must expire after the configured interval")
	}
}

func TestBreakersWinRate(t *testing.T) {
	b := NewBreakers(breakerCfg(), 10_000)
	if b.WinRate() != 0 {
		t.Error("empty record should report 0")
	}
	b.RecordResult(100, 10_100)
	b.RecordResult(100, 10_200)
	b.RecordResult(-50, 10_150)
	if got := b.WinRate(); got < 66 || got > 67 {
		t.Errorf("WinRate() = %v, want ~66.7", got)
	}
}
