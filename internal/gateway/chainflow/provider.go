// Package chainflow derives a coarse smart-money signal directly from
// on-chain wallet balances over JSON-RPC. It is the fallback signal source
// when the primary netflow API is unavailable.
package chainflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantara/perpbot/internal/domain"
)

// weiPerEth converts balance deltas to whole coins for thresholding.
var weiPerEth = new(big.Float).SetFloat64(1e18)

// Provider polls the balances of a watched smart-money wallet set and
// classifies the aggregate delta between polls. Confidence is intentionally
// capped below the high-conviction bucket: balance deltas are a much blunter
// instrument than labeled netflow data.
type Provider struct {
	client  *ethclient.Client
	wallets map[string][]common.Address // instrument -> watched wallets
	log     *slog.Logger

	mu   sync.Mutex
	last map[string]*big.Float // instrument -> aggregate balance at last poll
}

var _ domain.ChainSignalProvider = (*Provider)(nil)

// maxFallbackConfidence keeps fallback entries in the low-conviction tier.
const maxFallbackConfidence = 0.45

// thresholdCoins is the aggregate per-poll delta below which the reading is
// treated as noise.
const thresholdCoins = 50.0

// New dials the RPC endpoint and builds the provider. wallets maps
// instrument symbols to hex wallet addresses.
func New(ctx context.Context, rpcURL string, wallets map[string][]string, log *slog.Logger) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainflow: dial %s: %w", rpcURL, err)
	}

	parsed := make(map[string][]common.Address, len(wallets))
	for instrument, addrs := range wallets {
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("chainflow: invalid wallet address %q for %s", a, instrument)
			}
			parsed[instrument] = append(parsed[instrument], common.HexToAddress(a))
		}
	}

	return &Provider{
		client:  client,
		wallets: parsed,
		log:     log.With("component", "chainflow"),
		last:    make(map[string]*big.Float),
	}, nil
}

// Signal sums watched-wallet balances and classifies the delta since the
// previous call. The first call for an instrument only establishes the
// baseline and reports neutral.
func (p *Provider) Signal(ctx context.Context, instrument string) (domain.ChainSignal, error) {
	addrs, ok := p.wallets[instrument]
	if !ok || len(addrs) == 0 {
		return domain.ChainSignal{}, fmt.Errorf("chainflow: no wallets configured for %s", instrument)
	}

	total := new(big.Float)
	for _, addr := range addrs {
		bal, err := p.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return domain.ChainSignal{}, domain.Transient("chainflow balance "+addr.Hex(), err)
		}
		total.Add(total, new(big.Float).SetInt(bal))
	}
	total.Quo(total, weiPerEth)

	p.mu.Lock()
	prev, seen := p.last[instrument]
	p.last[instrument] = total
	p.mu.Unlock()

	sig := domain.ChainSignal{
		Instrument: instrument,
		Kind:       domain.ChainNeutral,
		Timestamp:  time.Now().UTC(),
	}
	if !seen {
		return sig, nil
	}

	delta, _ := new(big.Float).Sub(total, prev).Float64()
	sig.SmartMoneyNetflow = delta

	if math.Abs(delta) < thresholdCoins {
		return sig, nil
	}
	if delta > 0 {
		sig.Kind = domain.ChainAccumulation
	} else {
		sig.Kind = domain.ChainDistribution
	}
	sig.Confidence = math.Min(maxFallbackConfidence, 0.3+math.Abs(delta)/thresholdCoins*0.05)

	p.log.Debug("fallback signal derived",
		"instrument", instrument, "delta_coins", delta, "kind", sig.Kind, "confidence", sig.Confidence)
	return sig, nil
}

// Close releases the RPC connection.
func (p *Provider) Close() {
	p.client.Close()
}
