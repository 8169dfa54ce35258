package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantara/perpbot/internal/blob/s3"
	"github.com/quantara/perpbot/internal/cache/redis"
	"github.com/quantara/perpbot/internal/config"
	"github.com/quantara/perpbot/internal/crypto"
	"github.com/quantara/perpbot/internal/domain"
	"github.com/quantara/perpbot/internal/exec"
	"github.com/quantara/perpbot/internal/feed"
	"github.com/quantara/perpbot/internal/gateway/bybit"
	"github.com/quantara/perpbot/internal/gateway/chainflow"
	"github.com/quantara/perpbot/internal/gateway/nansen"
	"github.com/quantara/perpbot/internal/loop"
	"github.com/quantara/perpbot/internal/notify"
	"github.com/quantara/perpbot/internal/store/postgres"
)

// simulatorSeedEquity is the starting balance for dry-run mode when the
// account has no history.
const simulatorSeedEquity = 10_000

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	EquityStore   domain.EquityStore
	SignalStore   domain.ChainSignalStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	SignalCache domain.ChainSignalCache
	StatusCache domain.StatusCache
	EventBus    domain.EventBus

	// Gateways
	Market   domain.MarketGateway
	Exec     domain.ExecutionGateway
	Chain    domain.ChainSignalProvider
	Fallback domain.ChainSignalProvider // may be nil
	WS       *bybit.WSClient

	// Supporting
	Feed     *feed.Feed
	Notifier *notify.Notifier
	Archiver loop.Archiver // may be nil
}

// Wire constructs all concrete implementations from configuration and
// returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.EquityStore = postgres.NewEquityStore(pool)
	deps.SignalStore = postgres.NewSignalStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SignalCache = redis.NewSignalCache(redisClient)
	deps.StatusCache = redis.NewStatusCache(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Exchange ---
	apiKey, apiSecret, err := resolveCredentials(cfg.Exchange)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: exchange credentials: %w", err)
	}

	bybitClient := bybit.NewClient(cfg.Exchange.RestHost, apiKey, apiSecret)
	deps.Market = bybit.NewMarket(bybitClient)

	if cfg.DryRun {
		deps.Exec = exec.NewSimulator(deps.PriceCache, simulatorSeedEquity, logger)
	} else {
		deps.Exec = bybit.NewExec(bybitClient, logger)
	}

	if cfg.Exchange.WsHost != "" {
		ws := bybit.NewWSClient(cfg.Exchange.WsHost, logger)
		deps.WS = ws
		closers = append(closers, func() { _ = ws.Close() })
	}

	// --- Chain signals ---
	deps.Chain = nansen.NewClient(cfg.Nansen)
	if cfg.Chain.RpcURL != "" && len(cfg.Chain.Wallets) > 0 {
		fb, err := chainflow.New(ctx, cfg.Chain.RpcURL, cfg.Chain.Wallets, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chainflow fallback: %w", err)
		}
		deps.Fallback = fb
		closers = append(closers, fb.Close)
	}

	deps.Feed = feed.New(deps.Market, deps.Chain, deps.Fallback,
		deps.PriceCache, deps.SignalCache,
		cfg.Nansen.Staleness(), cfg.Loop.GatewayTimeout(), logger)

	// --- Cold storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.TradeStore, cfg.S3.RetentionDays, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// resolveCredentials returns the API key pair, preferring the encrypted key
// file when one is configured.
func resolveCredentials(cfg config.ExchangeConfig) (string, string, error) {
	if cfg.EncryptedKeyPath != "" {
		creds, err := crypto.LoadCredentials(cfg.EncryptedKeyPath, cfg.KeyPassword)
		if err != nil {
			return "", "", err
		}
		return creds.ApiKey, creds.ApiSecret, nil
	}
	return cfg.ApiKey, cfg.ApiSecret, nil
}
