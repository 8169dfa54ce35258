// Package config defines the immutable configuration for the perp trading
// core and provides validation helpers. The Config is constructed once at
// startup and passed explicitly to every component.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPBOT_* environment
// variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Nansen   NansenConfig   `toml:"nansen"`
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Risk     RiskConfig     `toml:"risk"`
	Strategy StrategyConfig `toml:"strategy"`
	Loop     LoopConfig     `toml:"loop"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"` // "trade" or "monitor"
	DryRun   bool           `toml:"dry_run"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds perp exchange endpoints and credentials. Credentials
// may be given inline or via an encrypted key file plus password.
type ExchangeConfig struct {
	RestHost         string `toml:"rest_host"`
	WsHost           string `toml:"ws_host"`
	ApiKey           string `toml:"api_key"`
	ApiSecret        string `toml:"api_secret"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Testnet          bool   `toml:"testnet"`
}

// NansenConfig holds the on-chain signal provider parameters.
type NansenConfig struct {
	Host           string  `toml:"host"`
	ApiKey         string  `toml:"api_key"`
	StalenessSec   int     `toml:"staleness_sec"`
	NetflowBullish float64 `toml:"netflow_bullish_usd"` // netflow above which a signal is accumulation
	NetflowBearish float64 `toml:"netflow_bearish_usd"` // netflow below which a signal is distribution
}

// ChainConfig holds the JSON-RPC fallback netflow provider parameters.
type ChainConfig struct {
	RpcURL  string              `toml:"rpc_url"`
	Wallets map[string][]string `toml:"wallets"` // instrument -> watched smart-money addresses
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// RiskConfig holds the risk-gate limits and circuit-breaker thresholds.
type RiskConfig struct {
	AllowedLeverageTiers     []int   `toml:"allowed_leverage_tiers"`
	MaxLeverageTier          int     `toml:"max_leverage_tier"`
	MaxConcurrentPositions   int     `toml:"max_concurrent_positions"`
	MaxExposurePerInstrument float64 `toml:"max_exposure_per_instrument"`
	MaxAggregateExposure     float64 `toml:"max_aggregate_exposure"`
	MarginSafetyBufferPct    float64 `toml:"margin_safety_buffer_pct"` // e.g. 10 -> require 110% of nominal margin
	MinRiskReward            float64 `toml:"min_risk_reward"`
	MaxDrawdownPct           float64 `toml:"max_drawdown_pct"`
	DailyLossLimitPct        float64 `toml:"daily_loss_limit_pct"`
	MaxConsecutiveLosses     int     `toml:"max_consecutive_losses"`
	CooldownMinutes          int     `toml:"cooldown_minutes"`
}

// StrategyConfig holds the decision-engine parameters.
type StrategyConfig struct {
	Instruments        []string `toml:"instruments"`
	BaseRiskPct        float64  `toml:"base_risk_pct"`            // fraction of equity risked per standard entry
	HighConvictionPct  float64  `toml:"high_conviction_risk_pct"` // fraction risked on high-confidence entries
	TP1Pct             float64  `toml:"tp1_pct"`
	TP2Pct             float64  `toml:"tp2_pct"`
	TP1ClosePct        float64  `toml:"tp1_close_pct"`
	StopLossPct        float64  `toml:"stop_loss_pct"`
	StopLossPctHigh    float64  `toml:"stop_loss_pct_high"`
	BreakevenOffsetPct float64  `toml:"breakeven_offset_pct"`
	HighConfidence     float64  `toml:"high_confidence"` // confidence bucket boundaries
	MidConfidence      float64  `toml:"mid_confidence"`
	EarlyExitFunding   float64  `toml:"early_exit_funding"` // abs funding rate triggering early exit
	MinConfidence      float64  `toml:"min_confidence"`     // below this no entry is taken
	CrowdedRatio       float64  `toml:"crowded_ratio"`      // long/short ratio beyond which the crowded side is refused
}

// LoopConfig holds the control-loop cadence and submission retry policy.
type LoopConfig struct {
	PollingIntervalSeconds int `toml:"polling_interval_seconds"`
	GatewayTimeoutSeconds  int `toml:"gateway_timeout_seconds"`
	SubmitRetries          int `toml:"submit_retries"`
	SubmitBackoffMs        int `toml:"submit_backoff_ms"`
	PendingTimeoutSeconds  int `toml:"pending_timeout_seconds"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// PollingInterval returns the loop cadence as a duration.
func (c LoopConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// GatewayTimeout returns the per-call network timeout.
func (c LoopConfig) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// SubmitBackoff returns the base backoff between submission retries.
func (c LoopConfig) SubmitBackoff() time.Duration {
	return time.Duration(c.SubmitBackoffMs) * time.Millisecond
}

// PendingTimeout returns how long a PENDING state may wait for confirmation.
func (c LoopConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}

// Staleness returns the window beyond which a cached signal counts as stale.
func (c NansenConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessSec) * time.Second
}

// Cooldown returns the per-instrument minimum interval between entries.
func (c RiskConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Defaults returns the built-in configuration, suitable for dry-run trading
// on testnet with conservative limits.
func Defaults() Config {
	return Config{
		Mode:     "trade",
		DryRun:   true,
		LogLevel: "info",
		Exchange: ExchangeConfig{
			RestHost: "https://api-testnet.bybit.com",
			WsHost:   "wss://stream-testnet.bybit.com/v5/public/linear",
			Testnet:  true,
		},
		Nansen: NansenConfig{
			Host:           "https://api.nansen.ai",
			StalenessSec:   900,
			NetflowBullish: 500_000,
			NetflowBearish: -500_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "perpbot",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		S3: S3Config{
			Region:        "us-east-1",
			RetentionDays: 90,
		},
		Risk: RiskConfig{
			AllowedLeverageTiers:     []int{1, 3, 5, 10},
			MaxLeverageTier:          10,
			MaxConcurrentPositions:   5,
			MaxExposurePerInstrument: 50_000,
			MaxAggregateExposure:     150_000,
			MarginSafetyBufferPct:    10,
			MinRiskReward:            1.0,
			MaxDrawdownPct:           15,
			DailyLossLimitPct:        6,
			MaxConsecutiveLosses:     3,
			CooldownMinutes:          60,
		},
		Strategy: StrategyConfig{
			Instruments:        []string{"BTCUSDT", "ETHUSDT"},
			BaseRiskPct:        0.02,
			HighConvictionPct:  0.03,
			TP1Pct:             0.03,
			TP2Pct:             0.06,
			TP1ClosePct:        0.60,
			StopLossPct:        0.02,
			StopLossPctHigh:    0.03,
			BreakevenOffsetPct: 0.005,
			HighConfidence:     0.8,
			MidConfidence:      0.5,
			MinConfidence:      0.3,
			EarlyExitFunding:   0.001,
			CrowdedRatio:       2.0,
		},
		Loop: LoopConfig{
			PollingIntervalSeconds: 30,
			GatewayTimeoutSeconds:  10,
			SubmitRetries:          3,
			SubmitBackoffMs:        500,
			PendingTimeoutSeconds:  60,
		},
	}
}

// Validate checks the configuration for internal consistency. It must be
// called after Load and before the application starts.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "monitor":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}
	if len(c.Strategy.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument is required")
	}
	if len(c.Risk.AllowedLeverageTiers) == 0 {
		return fmt.Errorf("config: allowed_leverage_tiers must not be empty")
	}
	for _, t := range c.Risk.AllowedLeverageTiers {
		if t < 1 {
			return fmt.Errorf("config: leverage tier %d below 1x", t)
		}
		if t > c.Risk.MaxLeverageTier {
			return fmt.Errorf("config: leverage tier %d exceeds max_leverage_tier %d", t, c.Risk.MaxLeverageTier)
		}
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return fmt.Errorf("config: max_concurrent_positions must be at least 1")
	}
	if c.Risk.MaxExposurePerInstrument <= 0 || c.Risk.MaxAggregateExposure <= 0 {
		return fmt.Errorf("config: exposure limits must be positive")
	}
	if c.Risk.MaxAggregateExposure < c.Risk.MaxExposurePerInstrument {
		return fmt.Errorf("config: max_aggregate_exposure below max_exposure_per_instrument")
	}
	if c.Strategy.TP1Pct <= 0 || c.Strategy.TP2Pct <= c.Strategy.TP1Pct {
		return fmt.Errorf("config: require 0 < tp1_pct < tp2_pct")
	}
	if c.Strategy.TP1ClosePct <= 0 || c.Strategy.TP1ClosePct >= 1 {
		return fmt.Errorf("config: tp1_close_pct must be in (0, 1)")
	}
	if c.Strategy.StopLossPct <= 0 {
		return fmt.Errorf("config: stop_loss_pct must be positive")
	}
	if c.Loop.PollingIntervalSeconds < 1 {
		return fmt.Errorf("config: polling_interval_seconds must be at least 1")
	}
	if c.Loop.SubmitRetries < 1 {
		return fmt.Errorf("config: submit_retries must be at least 1")
	}
	if !c.DryRun && c.Mode == "trade" {
		if c.Exchange.ApiKey == "" && c.Exchange.EncryptedKeyPath == "" {
			return fmt.Errorf("config: live trading requires exchange credentials")
		}
	}
	return nil
}
