package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/quantara/perpbot/internal/domain"
)

// Market adapts the Bybit public market endpoints to the MarketGateway
// interface.
type Market struct {
	client *Client
}

var _ domain.MarketGateway = (*Market)(nil)

// NewMarket creates a market-data gateway over an existing client.
func NewMarket(client *Client) *Market {
	return &Market{client: client}
}

// tickerEntry is the subset of /v5/market/tickers we consume. Bybit encodes
// numbers as strings.
type tickerEntry struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	FundingRate string `json:"fundingRate"`
}

// LatestTick fetches the latest trade price for an instrument.
func (m *Market) LatestTick(ctx context.Context, instrument string) (domain.Tick, error) {
	entry, err := m.ticker(ctx, instrument)
	if err != nil {
		return domain.Tick{}, err
	}
	price, err := strconv.ParseFloat(entry.LastPrice, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("bybit: parse price %q for %s: %w", entry.LastPrice, instrument, err)
	}
	return domain.Tick{
		Instrument: instrument,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// FundingRate fetches the current funding rate for an instrument.
func (m *Market) FundingRate(ctx context.Context, instrument string) (float64, error) {
	entry, err := m.ticker(ctx, instrument)
	if err != nil {
		return 0, err
	}
	if entry.FundingRate == "" {
		return 0, nil
	}
	rate, err := strconv.ParseFloat(entry.FundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse funding %q for %s: %w", entry.FundingRate, instrument, err)
	}
	return rate, nil
}

// LongShortRatio fetches the latest account long/short positioning for an
// instrument from /v5/market/account-ratio.
func (m *Market) LongShortRatio(ctx context.Context, instrument string) (float64, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", instrument)
	params.Set("period", "5min")
	params.Set("limit", "1")

	raw, err := m.client.doPublic(ctx, "/v5/market/account-ratio", params)
	if err != nil {
		return 0, fmt.Errorf("bybit: account ratio %s: %w", instrument, err)
	}

	var result struct {
		List []struct {
			BuyRatio  string `json:"buyRatio"`
			SellRatio string `json:"sellRatio"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("bybit: decode account ratio: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit: no account ratio for %s", instrument)
	}
	buy, err := strconv.ParseFloat(result.List[0].BuyRatio, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse buy ratio %q for %s: %w", result.List[0].BuyRatio, instrument, err)
	}
	sell, err := strconv.ParseFloat(result.List[0].SellRatio, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse sell ratio %q for %s: %w", result.List[0].SellRatio, instrument, err)
	}
	if sell <= 0 {
		return 0, fmt.Errorf("bybit: sell ratio %.4f for %s not positive", sell, instrument)
	}
	return buy / sell, nil
}

func (m *Market) ticker(ctx context.Context, instrument string) (tickerEntry, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", instrument)

	raw, err := m.client.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return tickerEntry{}, fmt.Errorf("bybit: ticker %s: %w", instrument, err)
	}

	var result struct {
		List []tickerEntry `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return tickerEntry{}, fmt.Errorf("bybit: decode ticker: %w", err)
	}
	if len(result.List) == 0 {
		return tickerEntry{}, fmt.Errorf("bybit: no ticker for %s", instrument)
	}
	return result.List[0], nil
}
