// Package nansen fetches smart-money netflow data and classifies it into
// directional chain signals.
package nansen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/domain"
)

// Client is the REST client for the smart-money netflow API.
type Client struct {
	cfg        config.NansenConfig
	httpClient *http.Client
}

var _ domain.ChainSignalProvider = (*Client)(nil)

// NewClient creates a signal provider from configuration.
func NewClient(cfg config.NansenConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// netflowResponse is the subset of the netflow endpoint we consume. Flows
// are in USD over the trailing 24h window.
type netflowResponse struct {
	Token             string  `json:"token"`
	SmartMoneyNetflow float64 `json:"smart_money_netflow_usd"`
	ExchangeNetflow   float64 `json:"exchange_netflow_usd"`
	WalletCount       int     `json:"wallet_count"`
	UpdatedAt         string  `json:"updated_at"`
}

// Signal fetches and classifies the current smart-money flow for an
// instrument. The perp symbol (e.g. BTCUSDT) maps to its base token.
func (c *Client) Signal(ctx context.Context, instrument string) (domain.ChainSignal, error) {
	token := baseToken(instrument)

	params := url.Values{}
	params.Set("token", token)

	u := strings.TrimRight(c.cfg.Host, "/") + "/api/v1/smart-money/netflow?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.ChainSignal{}, fmt.Errorf("nansen: build request: %w", err)
	}
	req.Header.Set("apiKey", c.cfg.ApiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ChainSignal{}, domain.Transient("nansen netflow "+token, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ChainSignal{}, domain.Transient("nansen read", err)
	}
	if resp.StatusCode >= 500 {
		return domain.ChainSignal{}, domain.Transient("nansen netflow "+token,
			fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ChainSignal{}, fmt.Errorf("nansen: netflow %s: status %d: %s", token, resp.StatusCode, string(data))
	}

	var nf netflowResponse
	if err := json.Unmarshal(data, &nf); err != nil {
		return domain.ChainSignal{}, fmt.Errorf("nansen: decode netflow: %w", err)
	}

	return c.classify(instrument, nf), nil
}

// classify maps raw netflow into a signal kind plus a confidence that grows
// with how far the flow sits beyond its threshold. Exchange netflow leaning
// the same way strengthens the signal; leaning against it weakens it.
func (c *Client) classify(instrument string, nf netflowResponse) domain.ChainSignal {
	sig := domain.ChainSignal{
		Instrument:        instrument,
		Kind:              domain.ChainNeutral,
		SmartMoneyNetflow: nf.SmartMoneyNetflow,
		ExchangeNetflow:   nf.ExchangeNetflow,
		Timestamp:         time.Now().UTC(),
	}

	switch {
	case c.cfg.NetflowBullish > 0 && nf.SmartMoneyNetflow >= c.cfg.NetflowBullish:
		sig.Kind = domain.ChainAccumulation
		sig.Confidence = flowConfidence(nf.SmartMoneyNetflow, c.cfg.NetflowBullish)
		// Coins leaving exchanges corroborates accumulation.
		if nf.ExchangeNetflow < 0 {
			sig.Confidence = math.Min(1, sig.Confidence+0.1)
		} else if nf.ExchangeNetflow > 0 {
			sig.Confidence = math.Max(0, sig.Confidence-0.1)
		}
	case c.cfg.NetflowBearish < 0 && nf.SmartMoneyNetflow <= c.cfg.NetflowBearish:
		sig.Kind = domain.ChainDistribution
		sig.Confidence = flowConfidence(-nf.SmartMoneyNetflow, -c.cfg.NetflowBearish)
		if nf.ExchangeNetflow > 0 {
			sig.Confidence = math.Min(1, sig.Confidence+0.1)
		} else if nf.ExchangeNetflow < 0 {
			sig.Confidence = math.Max(0, sig.Confidence-0.1)
		}
	}
	return sig
}

// flowConfidence maps flow/threshold to [0.5, 1.0]: exactly at threshold is
// 0.5, four times threshold and beyond saturates at 1.0.
func flowConfidence(flow, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	ratio := flow / threshold
	conf := 0.5 + (ratio-1)/6
	return math.Max(0.5, math.Min(1, conf))
}

// baseToken strips the quote suffix from a perp symbol.
func baseToken(instrument string) string {
	for _, quote := range []string{"USDT", "USDC", "USD", "PERP"} {
		if strings.HasSuffix(instrument, quote) && len(instrument) > len(quote) {
			return strings.TrimSuffix(instrument, quote)
		}
	}
	return instrument
}
