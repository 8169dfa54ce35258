package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
)

type fakeExec struct {
	submitFn  func(req domain.OrderRequest) (domain.OrderResult, error)
	queryFn   func(token string) (domain.OrderResult, error)
	submits   []domain.OrderRequest
	cancelled []string
	exchPos   map[string]domain.ExchangePosition
}

func (f *fakeExec) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.submits = append(f.submits, req)
	return f.submitFn(req)
}

func (f *fakeExec) QueryOrder(_ context.Context, token string) (domain.OrderResult, error) {
	if f.queryFn != nil {
		return f.queryFn(token)
	}
	return domain.OrderResult{Token: token, Status: domain.OrderStatusUnknown}, nil
}

func (f *fakeExec) CancelOrder(_ context.Context, token string) error {
	f.cancelled = append(f.cancelled, token)
	return nil
}

func (f *fakeExec) Position(_ context.Context, instrument string) (domain.ExchangePosition, error) {
	return f.exchPos[instrument], nil
}

func (f *fakeExec) Equity(context.Context) (float64, error) { return 0, nil }

type fakePositions struct {
	rows    map[string]domain.Position
	deleted []string
}

func newFakePositions() *fakePositions {
	return &fakePositions{rows: make(map[string]domain.Position)}
}

func (f *fakePositions) Upsert(_ context.Context, pos domain.Position) error {
	f.rows[pos.Instrument] = pos
	return nil
}

func (f *fakePositions) Delete(_ context.Context, instrument string) error {
	delete(f.rows, instrument)
	f.deleted = append(f.deleted, instrument)
	return nil
}

func (f *fakePositions) GetByInstrument(_ context.Context, instrument string) (domain.Position, error) {
	pos, ok := f.rows[instrument]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (f *fakePositions) ListOpen(context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(f.rows))
	for _, p := range f.rows {
		out = append(out, p)
	}
	return out, nil
}

type fakeTrades struct {
	inserted []domain.TradeRecord
}

func (f *fakeTrades) Insert(_ context.Context, trade domain.TradeRecord) error {
	f.inserted = append(f.inserted, trade)
	return nil
}

func (f *fakeTrades) ListRecent(context.Context, int) ([]domain.TradeRecord, error) { return nil, nil }
func (f *fakeTrades) SumRealizedPnL(context.Context) (float64, error)               { return 0, nil }
func (f *fakeTrades) ListClosedBefore(context.Context, time.Time, int) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeTrades) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

type testHarness struct {
	engine    *Engine
	exec      *fakeExec
	positions *fakePositions
	trades    *fakeTrades
	audit     *fakeAudit
	slept     []time.Duration
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		exec:      &fakeExec{exchPos: make(map[string]domain.ExchangePosition)},
		positions: newFakePositions(),
		trades:    &fakeTrades{},
		audit:     &fakeAudit{},
	}
	strat := config.StrategyConfig{TP1ClosePct: 0.60, BreakevenOffsetPct: 0.005}
	risk := config.RiskConfig{AllowedLeverageTiers: []int{1, 3, 5, 10}, MaxLeverageTier: 10}
	loop := config.LoopConfig{
		GatewayTimeoutSeconds: 10,
		SubmitRetries:         3,
		SubmitBackoffMs:       500,
		PendingTimeoutSeconds: 60,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(h.exec, h.positions, h.trades, h.audit, strat, risk, loop, log)

	tokens := 0
	h.engine.newToken = func() string {
		tokens++
		return fmt.Sprintf("tok-%d", tokens)
	}
	h.engine.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func openAction() domain.PendingAction {
	return domain.PendingAction{
		Kind:       domain.ActionOpen,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		Size:       0.5,
		Leverage:   5,
		EntryPrice: 50_000,
		TP1:        51_500,
		TP2:        53_000,
		StopLoss:   49_000,
		Confidence: 0.9,
	}
}

func openPosition() domain.Position {
	return domain.Position{
		Instrument:  "BTCUSDT",
		Side:        domain.SideLong,
		State:       domain.StateOpen,
		EntryPrice:  50_000,
		Size:        0.5,
		Leverage:    5,
		TP1:         51_500,
		TP2:         53_000,
		TP1ClosePct: 0.60,
		StopLoss:    49_000,
		OpenedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func fillAt(price, size float64) func(domain.OrderRequest) (domain.OrderResult, error) {
	return func(req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{
			Token: req.Token, OrderID: "ord-1",
			Status: domain.OrderStatusFilled, FillPrice: price, FilledSize: size,
		}, nil
	}
}

func TestApplyOpenHappyPath(t *testing.T) {
	h := newHarness(t)

	// Capture the persisted snapshot at submission time: the pending state
	// must already be durable before the first network call.
	var atSubmit domain.Position
	h.exec.submitFn = func(req domain.OrderRequest) (domain.OrderResult, error) {
		atSubmit = h.positions.rows["BTCUSDT"]
		return fillAt(50_000, 0.5)(req)
	}

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if atSubmit.State != domain.StatePendingOpen || atSubmit.PendingToken == "" {
		t.Errorf("snapshot at submit = %s/%q, want pending_open with token", atSubmit.State, atSubmit.PendingToken)
	}
	if out.Position == nil || out.Position.State != domain.StateOpen {
		t.Fatalf("outcome position = %+v, want open", out.Position)
	}
	stored := h.positions.rows["BTCUSDT"]
	if stored.State != domain.StateOpen || stored.PendingToken != "" {
		t.Errorf("stored = %s/%q, want open with cleared token", stored.State, stored.PendingToken)
	}
	if len(h.exec.submits) != 1 {
		t.Errorf("submits = %d, want 1", len(h.exec.submits))
	}
	if h.exec.submits[0].Token == "" {
		t.Error("submission must carry an idempotency token")
	}
}

func TestApplyOpenRescalesLevelsToFill(t *testing.T) {
	h := newHarness(t)
	h.exec.submitFn = fillAt(50_500, 0.5) // 1% above the reference price

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pos := out.Position
	if math.Abs(pos.EntryPrice-50_500) > 1e-6 {
		t.Errorf("EntryPrice = %v, want fill 50500", pos.EntryPrice)
	}
	if math.Abs(pos.TP1-52_015) > 1e-6 || math.Abs(pos.TP2-53_530) > 1e-6 {
		t.Errorf("TPs = %v/%v, want 52015/53530", pos.TP1, pos.TP2)
	}
	if math.Abs(pos.StopLoss-49_490) > 1e-6 {
		t.Errorf("StopLoss = %v, want 49490", pos.StopLoss)
	}
}

func TestApplyOpenRejectedRevertsToFlat(t *testing.T) {
	h := newHarness(t)
	h.exec.submitFn = func(req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{Token: req.Token, Status: domain.OrderStatusRejected, Message: "insufficient balance"}, nil
	}

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Position != nil {
		t.Errorf("outcome position = %+v, want nil", out.Position)
	}
	if _, ok := h.positions.rows["BTCUSDT"]; ok {
		t.Error("rejected open must not leave a persisted position")
	}
	if len(h.audit.events) == 0 || h.audit.events[len(h.audit.events)-1] != "open_rejected" {
		t.Errorf("audit events = %v, want open_rejected", h.audit.events)
	}
}

func TestApplyPartialClose(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos
	h.exec.submitFn = fillAt(51_500, 0.3)

	action := domain.PendingAction{
		Kind:       domain.ActionPartialClose,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		CloseSize:  0.3,
		ExitReason: domain.ExitTP1,
	}
	out, err := h.engine.Apply(context.Background(), action, &pos)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// (51500 - 50000) * 0.3 * 5
	if math.Abs(out.RealizedDelta-2250) > 1e-6 {
		t.Errorf("RealizedDelta = %v, want 2250", out.RealizedDelta)
	}
	got := out.Position
	if math.Abs(got.Size-0.2) > 1e-9 {
		t.Errorf("Size = %v, want 0.2", got.Size)
	}
	if !got.TP1Hit {
		t.Error("TP1Hit must be set after the partial fill")
	}
	if math.Abs(got.StopLoss-50_250) > 1e-6 {
		t.Errorf("StopLoss = %v, want breakeven 50250", got.StopLoss)
	}
	if got.State != domain.StateOpen {
		t.Errorf("State = %s, want open", got.State)
	}

	req := h.exec.submits[0]
	if !req.ReduceOnly || req.Side != domain.SideShort {
		t.Errorf("close request = side %s reduceOnly %v, want short reduce-only", req.Side, req.ReduceOnly)
	}
}

func TestApplyPartialCloseRejectsBadSize(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()

	for _, size := range []float64{0, -1, 0.5, 0.6} {
		action := domain.PendingAction{Kind: domain.ActionPartialClose, Instrument: "BTCUSDT", CloseSize: size}
		if _, err := h.engine.Apply(context.Background(), action, &pos); err == nil {
			t.Errorf("close size %v accepted, want error", size)
		}
	}
	if len(h.exec.submits) != 0 {
		t.Error("invalid sizes must never reach the exchange")
	}
}

func TestApplyFullClose(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	pos.TP1Hit = true
	pos.Size = 0.2
	pos.RealizedPnL = 2250
	pos.StopLoss = 50_250
	h.positions.rows[pos.Instrument] = pos
	h.exec.submitFn = fillAt(53_000, 0.2)

	action := domain.PendingAction{
		Kind:       domain.ActionFullClose,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		CloseSize:  0.2,
		ExitReason: domain.ExitTP2,
	}
	out, err := h.engine.Apply(context.Background(), action, &pos)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// (53000 - 50000) * 0.2 * 5
	if math.Abs(out.RealizedDelta-3000) > 1e-6 {
		t.Errorf("RealizedDelta = %v, want 3000", out.RealizedDelta)
	}
	if out.Trade == nil {
		t.Fatal("full close must produce a trade record")
	}
	if math.Abs(out.Trade.RealizedPnL-5250) > 1e-6 {
		t.Errorf("trade PnL = %v, want 5250 including the partial", out.Trade.RealizedPnL)
	}
	if math.Abs(out.Trade.Size-0.5) > 1e-9 {
		t.Errorf("trade Size = %v, want original 0.5", out.Trade.Size)
	}
	if out.Trade.ExitReason != domain.ExitTP2 {
		t.Errorf("ExitReason = %s, want TP2", out.Trade.ExitReason)
	}
	if _, ok := h.positions.rows["BTCUSDT"]; ok {
		t.Error("closed position must be removed from the store")
	}
	if len(h.trades.inserted) != 1 {
		t.Errorf("trades inserted = %d, want 1", len(h.trades.inserted))
	}
}

func TestSubmitRetriesTransientThenSuccess(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.exec.submitFn = func(req domain.OrderRequest) (domain.OrderResult, error) {
		calls++
		if calls <= 3 {
			return domain.OrderResult{}, domain.Transient("submit", context.DeadlineExceeded)
		}
		return fillAt(50_000, 0.5)(req)
	}

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err != nil {
		t.Fatalf("Apply after transient failures: %v", err)
	}
	if out.Position == nil || out.Position.State != domain.StateOpen {
		t.Fatal("position must open once a retry succeeds")
	}
	if calls != 4 {
		t.Errorf("submit calls = %d, want 4", calls)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(h.slept) != len(want) {
		t.Fatalf("backoffs = %v, want %v", h.slept, want)
	}
	for i := range want {
		if h.slept[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, h.slept[i], want[i])
		}
	}
}

func TestSubmitRetryFindsLostFill(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.exec.submitFn = func(domain.OrderRequest) (domain.OrderResult, error) {
		calls++
		return domain.OrderResult{}, domain.Transient("submit", errors.New("connection reset"))
	}
	// The first attempt actually landed; the query before the retry finds it.
	h.exec.queryFn = func(token string) (domain.OrderResult, error) {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusFilled, FillPrice: 50_000, FilledSize: 0.5}, nil
	}

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if calls != 1 {
		t.Errorf("submit calls = %d, want 1 (query resolved the retry)", calls)
	}
	if out.Position == nil || out.Position.State != domain.StateOpen {
		t.Fatal("lost-response fill must still open the position")
	}
}

func TestSubmitExhaustionIsFatal(t *testing.T) {
	h := newHarness(t)
	h.exec.submitFn = func(domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, domain.Transient("submit", context.DeadlineExceeded)
	}

	_, err := h.engine.Apply(context.Background(), openAction(), nil)
	var fatal *domain.FatalSubmissionError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalSubmissionError", err)
	}
	if fatal.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", fatal.Attempts)
	}
	// The pending snapshot stays in the store: the real-world state is
	// unknown and only reconciliation may settle it.
	if pos, ok := h.positions.rows["BTCUSDT"]; !ok || pos.State != domain.StatePendingOpen {
		t.Error("pending snapshot must survive a fatal submission failure")
	}
}

func TestSubmitNonRetryableErrorUnwindsOpen(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.exec.submitFn = func(domain.OrderRequest) (domain.OrderResult, error) {
		calls++
		return domain.OrderResult{}, errors.New("invalid api key")
	}

	out, err := h.engine.Apply(context.Background(), openAction(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var fatal *domain.FatalSubmissionError
	if errors.As(err, &fatal) {
		t.Error("non-transient failure must not be wrapped as fatal exhaustion")
	}
	if calls != 1 {
		t.Errorf("submit calls = %d, want 1 with no retries", calls)
	}
	// The order was definitively refused, so nothing may stay pending: the
	// instrument returns to flat and the next iteration decides fresh.
	if out.Position != nil {
		t.Errorf("outcome position = %+v, want nil after unwind", out.Position)
	}
	if _, ok := h.positions.rows["BTCUSDT"]; ok {
		t.Error("refused open must not leave a persisted pending position")
	}
	if len(h.audit.events) == 0 || h.audit.events[len(h.audit.events)-1] != "open_failed" {
		t.Errorf("audit events = %v, want open_failed", h.audit.events)
	}
}

func TestSubmitNonRetryableErrorRevertsFullClose(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos
	h.exec.submitFn = func(domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, errors.New("reduce-only qty exceeds position")
	}

	action := domain.PendingAction{
		Kind:       domain.ActionFullClose,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		CloseSize:  0.5,
		ExitReason: domain.ExitStopLoss,
	}
	out, err := h.engine.Apply(context.Background(), action, &pos)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Position == nil || out.Position.State != domain.StateOpen {
		t.Fatalf("outcome position = %+v, want reverted to open", out.Position)
	}
	stored := h.positions.rows["BTCUSDT"]
	if stored.State != domain.StateOpen || stored.PendingToken != "" {
		t.Errorf("stored = %s/%q, want open with cleared token", stored.State, stored.PendingToken)
	}
	if len(h.trades.inserted) != 0 {
		t.Error("a refused close must not record a trade")
	}
}

func TestSubmitNonRetryableErrorRevertsPartialClose(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos
	h.exec.submitFn = func(domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, errors.New("risk limit exceeded")
	}

	action := domain.PendingAction{
		Kind:       domain.ActionPartialClose,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		CloseSize:  0.3,
		ExitReason: domain.ExitTP1,
	}
	out, err := h.engine.Apply(context.Background(), action, &pos)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Position == nil || out.Position.State != domain.StateOpen {
		t.Fatalf("outcome position = %+v, want reverted to open", out.Position)
	}
	stored := h.positions.rows["BTCUSDT"]
	if stored.State != domain.StateOpen || stored.PendingToken != "" {
		t.Errorf("stored = %s/%q, want open with cleared token", stored.State, stored.PendingToken)
	}
	if math.Abs(stored.Size-0.5) > 1e-9 || stored.TP1Hit {
		t.Errorf("stored position mutated by refused close: size %v tp1Hit %v", stored.Size, stored.TP1Hit)
	}
}

func TestRecoverPendingOpenFilled(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	pos.State = domain.StatePendingOpen
	pos.PendingToken = "tok-boot"
	pos.PendingSince = h.engine.now().Add(-time.Minute)
	h.positions.rows[pos.Instrument] = pos

	h.exec.queryFn = func(token string) (domain.OrderResult, error) {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusFilled, FillPrice: 50_100, FilledSize: 0.5}, nil
	}
	h.exec.exchPos["BTCUSDT"] = domain.ExchangePosition{Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5}

	resolved, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d positions, want 1", len(resolved))
	}
	got := resolved[0]
	if got.State != domain.StateOpen || got.PendingToken != "" {
		t.Errorf("state = %s/%q, want open with cleared token", got.State, got.PendingToken)
	}
	if math.Abs(got.EntryPrice-50_100) > 1e-6 {
		t.Errorf("EntryPrice = %v, want queried fill 50100", got.EntryPrice)
	}
}

func TestRecoverPendingOpenUnfilled(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	pos.State = domain.StatePendingOpen
	pos.PendingToken = "tok-boot"
	pos.PendingSince = h.engine.now().Add(-time.Minute)
	h.positions.rows[pos.Instrument] = pos

	h.exec.queryFn = func(token string) (domain.OrderResult, error) {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusRejected}, nil
	}

	resolved, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %d positions, want 0", len(resolved))
	}
	if _, ok := h.positions.rows["BTCUSDT"]; ok {
		t.Error("unfilled pending open must be deleted")
	}
}

func TestRecoverUnresolvedOrderCancelled(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	pos.State = domain.StatePendingOpen
	pos.PendingToken = "tok-boot"
	// Well past the pending window: cancel immediately, no grace wait.
	pos.PendingSince = h.engine.now().Add(-time.Hour)
	h.positions.rows[pos.Instrument] = pos

	h.exec.queryFn = func(token string) (domain.OrderResult, error) {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusUnknown}, nil
	}

	resolved, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %d positions, want 0", len(resolved))
	}
	if len(h.exec.cancelled) != 1 || h.exec.cancelled[0] != "tok-boot" {
		t.Errorf("cancelled = %v, want [tok-boot]", h.exec.cancelled)
	}
	if len(h.slept) != 0 {
		t.Errorf("slept %v, want no grace wait after the window expired", h.slept)
	}
}

func TestRecoverPendingFullCloseFilled(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	pos.State = domain.StatePendingFullClose
	pos.PendingToken = "tok-boot"
	pos.PendingSince = h.engine.now().Add(-time.Minute)
	h.positions.rows[pos.Instrument] = pos

	h.exec.queryFn = func(token string) (domain.OrderResult, error) {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusFilled, FillPrice: 51_000, FilledSize: 0.5}, nil
	}

	resolved, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %d positions, want 0", len(resolved))
	}
	if len(h.trades.inserted) != 1 {
		t.Fatalf("trades = %d, want the recovered close recorded", len(h.trades.inserted))
	}
	trade := h.trades.inserted[0]
	// (51000 - 50000) * 0.5 * 5
	if math.Abs(trade.RealizedPnL-2500) > 1e-6 {
		t.Errorf("trade PnL = %v, want 2500", trade.RealizedPnL)
	}
	if trade.ExitReason != domain.ExitManual {
		t.Errorf("ExitReason = %s, want MANUAL for restart-recovered closes", trade.ExitReason)
	}
}

func TestRecoverMismatchExchangeOpenStoreFlat(t *testing.T) {
	h := newHarness(t)
	h.exec.exchPos["BTCUSDT"] = domain.ExchangePosition{Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5}

	_, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if !errors.Is(err, domain.ErrReconciliationMismatch) {
		t.Fatalf("err = %v, want reconciliation mismatch", err)
	}
}

func TestRecoverMismatchStoreOpenExchangeFlat(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos

	_, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if !errors.Is(err, domain.ErrReconciliationMismatch) {
		t.Fatalf("err = %v, want reconciliation mismatch", err)
	}
}

func TestRecoverMismatchSizeDiff(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos
	h.exec.exchPos["BTCUSDT"] = domain.ExchangePosition{Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.4}

	_, err := h.engine.Recover(context.Background(), []string{"BTCUSDT"})
	if !errors.Is(err, domain.ErrReconciliationMismatch) {
		t.Fatalf("err = %v, want reconciliation mismatch", err)
	}
}

func TestRecoverMatchingStatePasses(t *testing.T) {
	h := newHarness(t)
	pos := openPosition()
	h.positions.rows[pos.Instrument] = pos
	h.exec.exchPos["BTCUSDT"] = domain.ExchangePosition{Instrument: "BTCUSDT", Side: domain.SideLong, Size: 0.5}

	resolved, err := h.engine.Recover(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolved) != 1 {
		t.Errorf("resolved = %d positions, want 1", len(resolved))
	}
}
