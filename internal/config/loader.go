package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.RestHost, "PERPBOT_EXCHANGE_REST_HOST")
	setStr(&cfg.Exchange.WsHost, "PERPBOT_EXCHANGE_WS_HOST")
	setStr(&cfg.Exchange.ApiKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "PERPBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedKeyPath, "PERPBOT_EXCHANGE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Exchange.KeyPassword, "PERPBOT_EXCHANGE_KEY_PASSWORD")
	setBool(&cfg.Exchange.Testnet, "PERPBOT_EXCHANGE_TESTNET")

	// ── Nansen ──
	setStr(&cfg.Nansen.Host, "PERPBOT_NANSEN_HOST")
	setStr(&cfg.Nansen.ApiKey, "PERPBOT_NANSEN_API_KEY")
	setInt(&cfg.Nansen.StalenessSec, "PERPBOT_NANSEN_STALENESS_SEC")

	// ── Chain ──
	setStr(&cfg.Chain.RpcURL, "PERPBOT_CHAIN_RPC_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setInt(&cfg.S3.RetentionDays, "PERPBOT_S3_RETENTION_DAYS")

	// ── Risk ──
	setInt(&cfg.Risk.MaxLeverageTier, "PERPBOT_RISK_MAX_LEVERAGE_TIER")
	setInt(&cfg.Risk.MaxConcurrentPositions, "PERPBOT_RISK_MAX_CONCURRENT_POSITIONS")
	setFloat64(&cfg.Risk.MaxExposurePerInstrument, "PERPBOT_RISK_MAX_EXPOSURE_PER_INSTRUMENT")
	setFloat64(&cfg.Risk.MaxAggregateExposure, "PERPBOT_RISK_MAX_AGGREGATE_EXPOSURE")
	setFloat64(&cfg.Risk.MarginSafetyBufferPct, "PERPBOT_RISK_MARGIN_SAFETY_BUFFER_PCT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "PERPBOT_RISK_MAX_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.DailyLossLimitPct, "PERPBOT_RISK_DAILY_LOSS_LIMIT_PCT")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "PERPBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setInt(&cfg.Risk.CooldownMinutes, "PERPBOT_RISK_COOLDOWN_MINUTES")

	// ── Strategy ──
	setStringSlice(&cfg.Strategy.Instruments, "PERPBOT_STRATEGY_INSTRUMENTS")
	setFloat64(&cfg.Strategy.BaseRiskPct, "PERPBOT_STRATEGY_BASE_RISK_PCT")
	setFloat64(&cfg.Strategy.HighConvictionPct, "PERPBOT_STRATEGY_HIGH_CONVICTION_RISK_PCT")
	setFloat64(&cfg.Strategy.TP1Pct, "PERPBOT_STRATEGY_TP1_PCT")
	setFloat64(&cfg.Strategy.TP2Pct, "PERPBOT_STRATEGY_TP2_PCT")
	setFloat64(&cfg.Strategy.TP1ClosePct, "PERPBOT_STRATEGY_TP1_CLOSE_PCT")
	setFloat64(&cfg.Strategy.StopLossPct, "PERPBOT_STRATEGY_STOP_LOSS_PCT")
	setFloat64(&cfg.Strategy.StopLossPctHigh, "PERPBOT_STRATEGY_STOP_LOSS_PCT_HIGH")
	setFloat64(&cfg.Strategy.CrowdedRatio, "PERPBOT_STRATEGY_CROWDED_RATIO")

	// ── Loop ──
	setInt(&cfg.Loop.PollingIntervalSeconds, "PERPBOT_LOOP_POLLING_INTERVAL_SECONDS")
	setInt(&cfg.Loop.GatewayTimeoutSeconds, "PERPBOT_LOOP_GATEWAY_TIMEOUT_SECONDS")
	setInt(&cfg.Loop.SubmitRetries, "PERPBOT_LOOP_SUBMIT_RETRIES")
	setInt(&cfg.Loop.SubmitBackoffMs, "PERPBOT_LOOP_SUBMIT_BACKOFF_MS")
	setInt(&cfg.Loop.PendingTimeoutSeconds, "PERPBOT_LOOP_PENDING_TIMEOUT_SECONDS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setBool(&cfg.DryRun, "PERPBOT_DRY_RUN")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
