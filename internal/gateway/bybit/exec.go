package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantara/perpbot/internal/domain"
)

// Exec adapts the Bybit v5 trade endpoints to the ExecutionGateway
// interface. Orders are market orders keyed by orderLinkId, which carries
// our idempotency token: Bybit rejects a duplicate orderLinkId instead of
// filling twice.
type Exec struct {
	client *Client
	log    *slog.Logger
}

var _ domain.ExecutionGateway = (*Exec)(nil)

// NewExec creates an execution gateway over an existing client.
func NewExec(client *Client, log *slog.Logger) *Exec {
	return &Exec{client: client, log: log.With("component", "bybit_exec")}
}

// duplicateLinkID is the retCode for a re-used orderLinkId. The original
// order exists, so the result comes from a status query instead.
const duplicateLinkID = 110072

type orderEntry struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	OrderStatus  string `json:"orderStatus"`
	AvgPrice     string `json:"avgPrice"`
	CumExecQty   string `json:"cumExecQty"`
	RejectReason string `json:"rejectReason"`
}

// SubmitOrder places a market order and waits briefly for its terminal
// status. Leverage is set before a position-increasing order.
func (e *Exec) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if !req.ReduceOnly {
		if err := e.setLeverage(ctx, req.Instrument, req.Leverage); err != nil {
			return domain.OrderResult{}, err
		}
	}

	// A reduce order trades against the position direction; the caller
	// already flipped req.Side accordingly.
	side := "Buy"
	if req.Side == domain.SideShort {
		side = "Sell"
	}

	body := map[string]any{
		"category":    category,
		"symbol":      req.Instrument,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(req.Size, 'f', -1, 64),
		"orderLinkId": req.Token,
		"reduceOnly":  req.ReduceOnly,
	}

	_, err := e.client.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		if ae, ok := err.(*APIError); ok && ae.Code == duplicateLinkID {
			e.log.Info("duplicate order token, querying original", "token", req.Token)
			return e.QueryOrder(ctx, req.Token)
		}
		if IsTransientCode(err) {
			return domain.OrderResult{}, domain.Transient("bybit submit "+req.Instrument, err)
		}
		return domain.OrderResult{}, fmt.Errorf("bybit: submit %s: %w", req.Instrument, err)
	}

	return e.awaitFill(ctx, req.Token)
}

// awaitFill polls order status until it is terminal. Market orders settle in
// well under a second; a handful of short polls covers engine lag.
func (e *Exec) awaitFill(ctx context.Context, token string) (domain.OrderResult, error) {
	var last domain.OrderResult
	for i := 0; i < 5; i++ {
		res, err := e.QueryOrder(ctx, token)
		if err != nil {
			return domain.OrderResult{}, err
		}
		if res.Status != domain.OrderStatusUnknown {
			return res, nil
		}
		last = res
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	last.Retryable = true
	last.Message = "order not terminal after submission"
	return last, nil
}

// QueryOrder looks an order up by its idempotency token. Orders drop out of
// the realtime view once settled, so the history endpoint is the fallback.
func (e *Exec) QueryOrder(ctx context.Context, token string) (domain.OrderResult, error) {
	entry, found, err := e.findOrder(ctx, "/v5/order/realtime", token)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if !found {
		entry, found, err = e.findOrder(ctx, "/v5/order/history", token)
		if err != nil {
			return domain.OrderResult{}, err
		}
	}
	if !found {
		return domain.OrderResult{Token: token, Status: domain.OrderStatusUnknown}, nil
	}
	return toResult(token, entry)
}

func (e *Exec) findOrder(ctx context.Context, path, token string) (orderEntry, bool, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("orderLinkId", token)

	raw, err := e.client.doSigned(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		if IsTransientCode(err) {
			return orderEntry{}, false, domain.Transient("bybit query order", err)
		}
		return orderEntry{}, false, fmt.Errorf("bybit: query order %s: %w", token, err)
	}

	var result struct {
		List []orderEntry `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return orderEntry{}, false, fmt.Errorf("bybit: decode order list: %w", err)
	}
	if len(result.List) == 0 {
		return orderEntry{}, false, nil
	}
	return result.List[0], true, nil
}

// CancelOrder cancels an unfilled order by token.
func (e *Exec) CancelOrder(ctx context.Context, token string) error {
	body := map[string]any{
		"category":    category,
		"orderLinkId": token,
	}
	if _, err := e.client.doSigned(ctx, http.MethodPost, "/v5/order/cancel", nil, body); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", token, err)
	}
	return nil
}

// Position returns the exchange's view of an instrument, flat when Bybit
// reports zero size.
func (e *Exec) Position(ctx context.Context, instrument string) (domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", instrument)

	raw, err := e.client.doSigned(ctx, http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("bybit: position %s: %w", instrument, err)
	}

	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("bybit: decode positions: %w", err)
	}

	pos := domain.ExchangePosition{Instrument: instrument}
	for _, p := range result.List {
		if p.Symbol != instrument {
			continue
		}
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		pos.Size = size
		pos.EntryPrice = entry
		pos.Side = domain.SideLong
		if p.Side == "Sell" {
			pos.Side = domain.SideShort
		}
	}
	return pos, nil
}

// Equity returns total account equity from the unified wallet.
func (e *Exec) Equity(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	raw, err := e.client.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return 0, fmt.Errorf("bybit: wallet balance: %w", err)
	}

	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("bybit: decode wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit: empty wallet balance response")
	}
	equity, err := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse equity %q: %w", result.List[0].TotalEquity, err)
	}
	return equity, nil
}

// setLeverage applies the discrete tier before opening. Bybit returns
// 110043 when the leverage is unchanged, which is not an error for us.
func (e *Exec) setLeverage(ctx context.Context, instrument string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     category,
		"symbol":       instrument,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	_, err := e.client.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body)
	if err != nil {
		if ae, ok := err.(*APIError); ok && ae.Code == 110043 {
			return nil
		}
		return fmt.Errorf("bybit: set leverage %s %dx: %w", instrument, leverage, err)
	}
	return nil
}

func toResult(token string, entry orderEntry) (domain.OrderResult, error) {
	res := domain.OrderResult{
		Token:   token,
		OrderID: entry.OrderID,
		Message: entry.RejectReason,
	}
	if entry.AvgPrice != "" {
		res.FillPrice, _ = strconv.ParseFloat(entry.AvgPrice, 64)
	}
	if entry.CumExecQty != "" {
		res.FilledSize, _ = strconv.ParseFloat(entry.CumExecQty, 64)
	}
	switch entry.OrderStatus {
	case "Filled":
		res.Status = domain.OrderStatusFilled
	case "PartiallyFilled", "New", "Created", "Untriggered":
		res.Status = domain.OrderStatusUnknown
		res.Retryable = true
	case "Rejected":
		res.Status = domain.OrderStatusRejected
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		res.Status = domain.OrderStatusCancelled
	default:
		res.Status = domain.OrderStatusUnknown
	}
	return res, nil
}
