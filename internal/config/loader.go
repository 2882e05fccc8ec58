package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ARBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setDuration(&cfg.Ledger.ReservationTTL, "ARBOT_LEDGER_RESERVATION_TTL")
	setDuration(&cfg.Ledger.SweepInterval, "ARBOT_LEDGER_SWEEP_INTERVAL")
	setFloat64(&cfg.Ledger.SafetyMargin, "ARBOT_LEDGER_SAFETY_MARGIN")

	// ── Positions ──
	setDuration(&cfg.Positions.MaxAge, "ARBOT_POSITIONS_MAX_AGE")
	setDuration(&cfg.Positions.SweepInterval, "ARBOT_POSITIONS_SWEEP_INTERVAL")

	// ── Lifecycle ──
	setInt(&cfg.Lifecycle.MaxRecoveryAttempts, "ARBOT_LIFECYCLE_MAX_RECOVERY_ATTEMPTS")
	setDuration(&cfg.Lifecycle.CleanupMaxAge, "ARBOT_LIFECYCLE_CLEANUP_MAX_AGE")
	setDuration(&cfg.Lifecycle.CleanupInterval, "ARBOT_LIFECYCLE_CLEANUP_INTERVAL")

	// ── Executor ──
	setStr(&cfg.Executor.DefaultStrategy, "ARBOT_EXECUTOR_DEFAULT_STRATEGY")
	setFloat64(&cfg.Executor.SlippageToleranceBps, "ARBOT_EXECUTOR_SLIPPAGE_TOLERANCE_BPS")
	setDuration(&cfg.Executor.LegMaxExecutionTime, "ARBOT_EXECUTOR_LEG_MAX_EXECUTION_TIME")
	setDuration(&cfg.Executor.FillPollInterval, "ARBOT_EXECUTOR_FILL_POLL_INTERVAL")
	setDuration(&cfg.Executor.FillTimeout, "ARBOT_EXECUTOR_FILL_TIMEOUT")
	setBool(&cfg.Executor.RequireAtomic, "ARBOT_EXECUTOR_REQUIRE_ATOMIC")

	// ── Recovery ──
	setInt(&cfg.Recovery.MaxAttempts, "ARBOT_RECOVERY_MAX_ATTEMPTS")
	setInt(&cfg.Recovery.BackoffCapSec, "ARBOT_RECOVERY_BACKOFF_CAP_SEC")
	setFloat64(&cfg.Recovery.LossCapUSD, "ARBOT_RECOVERY_LOSS_CAP_USD")
	setDuration(&cfg.Recovery.Timeout, "ARBOT_RECOVERY_TIMEOUT")
	setFloat64(&cfg.Recovery.SlippageAllowanceBps, "ARBOT_RECOVERY_SLIPPAGE_ALLOWANCE_BPS")

	// ── Risk ──
	setInt(&cfg.Risk.MaxConcurrentOps, "ARBOT_RISK_MAX_CONCURRENT_OPS")
	setFloat64(&cfg.Risk.MaxNotionalPerOp, "ARBOT_RISK_MAX_NOTIONAL_PER_OP")
	setFloat64(&cfg.Risk.MaxTotalExposure, "ARBOT_RISK_MAX_TOTAL_EXPOSURE")
	setFloat64(&cfg.Risk.MinMarginBps, "ARBOT_RISK_MIN_MARGIN_BPS")
	setBool(&cfg.Risk.RequireDetectorOKs, "ARBOT_RISK_REQUIRE_DETECTOR_OKS")

	// ── Exchanges ──
	// Per-venue overrides follow ARBOT_EXCHANGE_<NAME>_* for every venue
	// present in the TOML file.
	for name, ex := range cfg.Exchanges {
		prefix := "ARBOT_EXCHANGE_" + strings.ToUpper(name) + "_"
		setStr(&ex.BaseURL, prefix+"BASE_URL")
		setStr(&ex.ApiKey, prefix+"API_KEY")
		setStr(&ex.ApiSecret, prefix+"API_SECRET")
		setStr(&ex.EncryptedKeyPath, prefix+"ENCRYPTED_KEY_PATH")
		setStr(&ex.KeyPassword, prefix+"KEY_PASSWORD")
		setFloat64(&ex.TakerFeeBps, prefix+"TAKER_FEE_BPS")
		setInt(&ex.RateLimitPerMin, prefix+"RATE_LIMIT_PER_MIN")
		setInt(&ex.RecvWindowMs, prefix+"RECV_WINDOW_MS")
		cfg.Exchanges[name] = ex
	}

	// ── Feed ──
	setStr(&cfg.Feed.Channel, "ARBOT_FEED_CHANNEL")
	setInt(&cfg.Feed.BufferSize, "ARBOT_FEED_BUFFER_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBOT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "ARBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "ARBOT_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "ARBOT_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "ARBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "ARBOT_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBOT_NOTIFY_EVENTS")
	setInt(&cfg.Notify.QueueSize, "ARBOT_NOTIFY_QUEUE_SIZE")

	// ── Top-level ──
	setBool(&cfg.PaperTrading, "ARBOT_PAPER_TRADING")
	setStr(&cfg.Mode, "ARBOT_MODE")
	setStr(&cfg.LogLevel, "ARBOT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
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
