package exec

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/quantara/perpbot/internal/domain"
)

type memPriceCache struct {
	ticks map[string]domain.Tick
}

func (m *memPriceCache) SetTick(_ context.Context, tick domain.Tick) error {
	m.ticks[tick.Instrument] = tick
	return nil
}

func (m *memPriceCache) GetTick(_ context.Context, instrument string) (domain.Tick, error) {
	tick, ok := m.ticks[instrument]
	if !ok {
		return domain.Tick{}, domain.ErrNotFound
	}
	return tick, nil
}

func newSim(t *testing.T, prices map[string]float64) *Simulator {
	t.Helper()
	cache := &memPriceCache{ticks: make(map[string]domain.Tick)}
	for inst, price := range prices {
		cache.ticks[inst] = domain.Tick{Instrument: inst, Price: price, Timestamp: time.Now()}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSimulator(cache, 10_000, log)
}

func TestSimulatorFillsAtCachedPrice(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})

	res, err := s.SubmitOrder(context.Background(), domain.OrderRequest{
		Token: "tok-1", Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5, Leverage: 5,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %s, want filled", res.Status)
	}
	if res.FillPrice != 50_000 || res.FilledSize != 0.5 {
		t.Errorf("fill = %v@%v, want 0.5@50000", res.FilledSize, res.FillPrice)
	}

	pos, err := s.Position(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Side != domain.SideLong || pos.Size != 0.5 {
		t.Errorf("position = %s %v, want long 0.5", pos.Side, pos.Size)
	}
}

func TestSimulatorDuplicateTokenReturnsOriginal(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})
	req := domain.OrderRequest{Token: "tok-1", Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5, Leverage: 5}

	first, err := s.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := s.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("duplicate token produced a new order: %s vs %s", second.OrderID, first.OrderID)
	}

	pos, _ := s.Position(context.Background(), "BTCUSDT")
	if pos.Size != 0.5 {
		t.Errorf("duplicate token doubled the position: size %v", pos.Size)
	}
}

func TestSimulatorRejectsMissingToken(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})
	_, err := s.SubmitOrder(context.Background(), domain.OrderRequest{Instrument: "BTCUSDT", Size: 0.5})
	if err == nil {
		t.Fatal("order without token must be refused")
	}
}

func TestSimulatorNoPriceIsTransient(t *testing.T) {
	s := newSim(t, nil)
	_, err := s.SubmitOrder(context.Background(), domain.OrderRequest{
		Token: "tok-1", Instrument: "BTCUSDT", Size: 0.5,
	})
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSimulatorReduceSettlesEquity(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})
	ctx := context.Background()

	if _, err := s.SubmitOrder(ctx, domain.OrderRequest{
		Token: "tok-open", Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5, Leverage: 5,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Price moves up, close the whole position.
	s.prices.SetTick(ctx, domain.Tick{Instrument: "BTCUSDT", Price: 51_000, Timestamp: time.Now()})
	if _, err := s.SubmitOrder(ctx, domain.OrderRequest{
		Token: "tok-close", Instrument: "BTCUSDT", Side: domain.SideShort, Size: 0.5, Leverage: 5, ReduceOnly: true,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	// (51000 - 50000) * 0.5 * 5 on top of the 10k seed
	eq, err := s.Equity(ctx)
	if err != nil {
		t.Fatalf("Equity: %v", err)
	}
	if math.Abs(eq-12_500) > 1e-6 {
		t.Errorf("equity = %v, want 12500", eq)
	}

	pos, _ := s.Position(ctx, "BTCUSDT")
	if pos.Size != 0 {
		t.Errorf("position size = %v, want flat", pos.Size)
	}
}

func TestSimulatorPartialReduce(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})
	ctx := context.Background()

	s.SubmitOrder(ctx, domain.OrderRequest{
		Token: "tok-open", Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5, Leverage: 5,
	})
	s.prices.SetTick(ctx, domain.Tick{Instrument: "BTCUSDT", Price: 51_500, Timestamp: time.Now()})
	s.SubmitOrder(ctx, domain.OrderRequest{
		Token: "tok-tp1", Instrument: "BTCUSDT", Side: domain.SideShort, Size: 0.3, Leverage: 5, ReduceOnly: true,
	})

	pos, _ := s.Position(ctx, "BTCUSDT")
	if math.Abs(pos.Size-0.2) > 1e-9 {
		t.Errorf("remaining size = %v, want 0.2", pos.Size)
	}
	eq, _ := s.Equity(ctx)
	// (51500 - 50000) * 0.3 * 5 = 2250
	if math.Abs(eq-12_250) > 1e-6 {
		t.Errorf("equity = %v, want 12250", eq)
	}
}

func TestSimulatorQueryUnknownToken(t *testing.T) {
	s := newSim(t, nil)
	res, err := s.QueryOrder(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("QueryOrder: %v", err)
	}
	if res.Status != domain.OrderStatusUnknown {
		t.Errorf("Status = %s, want unknown", res.Status)
	}
}

func TestSimulatorCancel(t *testing.T) {
	s := newSim(t, map[string]float64{"BTCUSDT": 50_000})
	ctx := context.Background()

	if err := s.CancelOrder(ctx, "tok-unseen"); err != nil {
		t.Fatalf("cancel of unseen token: %v", err)
	}
	res, _ := s.QueryOrder(ctx, "tok-unseen")
	if res.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", res.Status)
	}

	s.SubmitOrder(ctx, domain.OrderRequest{Token: "tok-filled", Instrument: "BTCUSDT", Size: 0.1})
	if err := s.CancelOrder(ctx, "tok-filled"); err == nil {
		t.Error("cancel after instant fill must fail")
	}
}
