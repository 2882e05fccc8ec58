// Package config defines the top-level configuration for the arbot
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBOT_* environment variables.
type Config struct {
	Ledger       LedgerConfig              `toml:"ledger"`
	Positions    PositionsConfig           `toml:"positions"`
	Lifecycle    LifecycleConfig           `toml:"lifecycle"`
	Executor     ExecutorConfig            `toml:"executor"`
	Recovery     RecoveryConfig            `toml:"recovery"`
	Risk         RiskConfig                `toml:"risk"`
	Exchanges    map[string]ExchangeConfig `toml:"exchanges"`
	Feed         FeedConfig                `toml:"feed"`
	Postgres     PostgresConfig            `toml:"postgres"`
	Redis        RedisConfig               `toml:"redis"`
	S3           S3Config                  `toml:"s3"`
	Server       ServerConfig              `toml:"server"`
	Notify       NotifyConfig              `toml:"notify"`
	PaperTrading bool                      `toml:"paper_trading"`
	Mode         string                    `toml:"mode"`
	LogLevel     string                    `toml:"log_level"`
}

// LedgerConfig holds balance-reservation parameters.
type LedgerConfig struct {
	ReservationTTL duration `toml:"reservation_ttl"`
	SweepInterval  duration `toml:"sweep_interval"`
	// SafetyMargin multiplies the requested amount in sufficiency checks
	// (1.05 requires 5% headroom).
	SafetyMargin float64 `toml:"safety_margin"`
	// Epsilon is the tolerance for monetary float comparisons.
	Epsilon float64 `toml:"epsilon"`
}

// PositionsConfig holds position-ledger parameters.
type PositionsConfig struct {
	// MaxAge marks a still-open position stale once exceeded. Staleness
	// only raises an alert; it never closes the position.
	MaxAge        duration `toml:"max_age"`
	SweepInterval duration `toml:"sweep_interval"`
}

// LifecycleConfig holds state-machine parameters.
type LifecycleConfig struct {
	// MaxRecoveryAttempts caps automatic recoveries per operation before
	// manual intervention is required.
	MaxRecoveryAttempts int      `toml:"max_recovery_attempts"`
	CleanupMaxAge       duration `toml:"cleanup_max_age"`
	CleanupInterval     duration `toml:"cleanup_interval"`
}

// ExecutorConfig holds plan-building and dispatch parameters.
type ExecutorConfig struct {
	DefaultStrategy      string   `toml:"default_strategy"`
	SlippageToleranceBps float64  `toml:"slippage_tolerance_bps"`
	LegMaxExecutionTime  duration `toml:"leg_max_execution_time"`
	FillPollInterval     duration `toml:"fill_poll_interval"`
	FillTimeout          duration `toml:"fill_timeout"`
	RequireAtomic        bool     `toml:"require_atomic"`
}

// RecoveryConfig holds recovery-coordinator parameters.
type RecoveryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	// BackoffCapSec caps the exponential wait-and-retry delay in seconds.
	BackoffCapSec int      `toml:"backoff_cap_sec"`
	LossCapUSD    float64  `toml:"loss_cap_usd"`
	Timeout       duration `toml:"timeout"`
	// SlippageAllowanceBps is added to estimated loss for the expected
	// execution cost of compensating orders.
	SlippageAllowanceBps float64 `toml:"slippage_allowance_bps"`
}

// RiskConfig holds the pre-execution gate parameters.
type RiskConfig struct {
	MaxConcurrentOps   int     `toml:"max_concurrent_ops"`
	MaxNotionalPerOp   float64 `toml:"max_notional_per_op"`
	MaxTotalExposure   float64 `toml:"max_total_exposure"`
	MinMarginBps       float64 `toml:"min_margin_bps"`
	RequireDetectorOKs bool    `toml:"require_detector_oks"`
}

// ExchangeConfig holds one venue's connection parameters and credentials.
type ExchangeConfig struct {
	BaseURL          string  `toml:"base_url"`
	ApiKey           string  `toml:"api_key"`
	ApiSecret        string  `toml:"api_secret"`
	EncryptedKeyPath string  `toml:"encrypted_key_path"`
	KeyPassword      string  `toml:"key_password"`
	TakerFeeBps      float64 `toml:"taker_fee_bps"`
	RateLimitPerMin  int     `toml:"rate_limit_per_min"`
	RecvWindowMs     int     `toml:"recv_window_ms"`
}

// FeedConfig holds opportunity-feed parameters.
type FeedConfig struct {
	Channel    string `toml:"channel"`
	BufferSize int    `toml:"buffer_size"`
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
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
	// ArchiveCron schedules background archive runs in run mode,
	// standard 5-field cron. Empty disables the background job.
	ArchiveCron string `toml:"archive_cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	ApiKey      string   `toml:"api_key"`
	// RateLimitPerMin throttles API requests per client IP. Zero disables
	// the limiter.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ReservationTTL: duration{60 * time.Second},
			SweepInterval:  duration{10 * time.Second},
			SafetyMargin:   1.05,
			Epsilon:        1e-9,
		},
		Positions: PositionsConfig{
			MaxAge:        duration{5 * time.Minute},
			SweepInterval: duration{30 * time.Second},
		},
		Lifecycle: LifecycleConfig{
			MaxRecoveryAttempts: 3,
			CleanupMaxAge:       duration{24 * time.Hour},
			CleanupInterval:     duration{10 * time.Minute},
		},
		Executor: ExecutorConfig{
			DefaultStrategy:      "SIMULTANEOUS",
			SlippageToleranceBps: 20.0,
			LegMaxExecutionTime:  duration{10 * time.Second},
			FillPollInterval:     duration{200 * time.Millisecond},
			FillTimeout:          duration{8 * time.Second},
			RequireAtomic:        true,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:          3,
			BackoffCapSec:        30,
			LossCapUSD:           100.0,
			Timeout:              duration{60 * time.Second},
			SlippageAllowanceBps: 25.0,
		},
		Risk: RiskConfig{
			MaxConcurrentOps:   3,
			MaxNotionalPerOp:   1_000.0,
			MaxTotalExposure:   5_000.0,
			MinMarginBps:       20.0,
			RequireDetectorOKs: true,
		},
		Exchanges: map[string]ExchangeConfig{},
		Feed: FeedConfig{
			Channel:    "arbot.opportunities",
			BufferSize: 64,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "arbot",
			User:          "arbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
			ArchiveCron:    "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 600,
		},
		Notify: NotifyConfig{
			Events:    []string{"recovery_initiated", "approval_required", "escalated", "operation_failed"},
			QueueSize: 256,
		},
		PaperTrading: true,
		Mode:         "run",
		LogLevel:     "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"server":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies enumerates the accepted executor default strategies.
var validStrategies = map[string]bool{
	"SIMULTANEOUS":      true,
	"SEQUENTIAL_FAST":   true,
	"SEQUENTIAL_SAFE":   true,
	"HEDGE_FIRST":       true,
	"DIRECTIONAL_FIRST": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, server, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.ReservationTTL.Duration <= 0 {
		errs = append(errs, "ledger: reservation_ttl must be > 0")
	}
	if c.Ledger.SweepInterval.Duration <= 0 {
		errs = append(errs, "ledger: sweep_interval must be > 0")
	}
	if c.Ledger.SafetyMargin < 1.0 {
		errs = append(errs, fmt.Sprintf("ledger: safety_margin must be >= 1.0, got %g", c.Ledger.SafetyMargin))
	}
	if c.Ledger.Epsilon <= 0 {
		errs = append(errs, "ledger: epsilon must be > 0")
	}

	// Positions
	if c.Positions.MaxAge.Duration <= 0 {
		errs = append(errs, "positions: max_age must be > 0")
	}
	if c.Positions.SweepInterval.Duration <= 0 {
		errs = append(errs, "positions: sweep_interval must be > 0")
	}

	// Lifecycle
	if c.Lifecycle.MaxRecoveryAttempts < 1 {
		errs = append(errs, "lifecycle: max_recovery_attempts must be >= 1")
	}
	if c.Lifecycle.CleanupMaxAge.Duration <= 0 {
		errs = append(errs, "lifecycle: cleanup_max_age must be > 0")
	}

	// Executor
	if !validStrategies[strings.ToUpper(c.Executor.DefaultStrategy)] {
		errs = append(errs, fmt.Sprintf("executor: unknown default_strategy %q", c.Executor.DefaultStrategy))
	}
	if c.Executor.LegMaxExecutionTime.Duration <= 0 {
		errs = append(errs, "executor: leg_max_execution_time must be > 0")
	}
	if c.Executor.FillPollInterval.Duration <= 0 {
		errs = append(errs, "executor: fill_poll_interval must be > 0")
	}
	if c.Executor.FillTimeout.Duration <= 0 {
		errs = append(errs, "executor: fill_timeout must be > 0")
	}

	// Recovery
	if c.Recovery.MaxAttempts < 1 {
		errs = append(errs, "recovery: max_attempts must be >= 1")
	}
	if c.Recovery.BackoffCapSec < 1 {
		errs = append(errs, "recovery: backoff_cap_sec must be >= 1")
	}
	if c.Recovery.LossCapUSD <= 0 {
		errs = append(errs, "recovery: loss_cap_usd must be > 0")
	}
	if c.Recovery.Timeout.Duration <= 0 {
		errs = append(errs, "recovery: timeout must be > 0")
	}

	// Risk
	if c.Risk.MaxConcurrentOps < 1 {
		errs = append(errs, "risk: max_concurrent_ops must be >= 1")
	}
	if c.Risk.MaxNotionalPerOp <= 0 {
		errs = append(errs, "risk: max_notional_per_op must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		errs = append(errs, "risk: max_total_exposure must be > 0")
	}

	// Exchanges — live trading requires credentials per venue.
	if c.Mode == "run" && !c.PaperTrading {
		if len(c.Exchanges) == 0 {
			errs = append(errs, "exchanges: at least one venue must be configured for live trading")
		}
		for name, ex := range c.Exchanges {
			if ex.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: base_url must not be empty", name))
			}
			if ex.ApiKey == "" && ex.EncryptedKeyPath == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: either api_key or encrypted_key_path must be set", name))
			}
			if ex.EncryptedKeyPath != "" && ex.KeyPassword == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: key_password is required when encrypted_key_path is set", name))
			}
		}
	}

	// Feed
	if c.Feed.Channel == "" {
		errs = append(errs, "feed: channel must not be empty")
	}
	if c.Feed.BufferSize < 1 {
		errs = append(errs, "feed: buffer_size must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.StreamMaxLen < 1 {
		errs = append(errs, "redis: stream_max_len must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.S3.RetentionDays < 1 {
		errs = append(errs, "s3: retention_days must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
