package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/quantfold/arbot/internal/blob/s3"
	"github.com/quantfold/arbot/internal/cache/redis"
	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/crypto"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/notify"
	"github.com/quantfold/arbot/internal/platform"
	"github.com/quantfold/arbot/internal/platform/binance"
	"github.com/quantfold/arbot/internal/platform/paper"
	"github.com/quantfold/arbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores; nil when Postgres is unavailable and the mode tolerates that.
	Operations  domain.OperationStore
	Transitions domain.TransitionStore
	Positions   domain.PositionHistoryStore
	Recoveries  domain.RecoveryStore

	// Redis-backed primitives.
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil when S3 is unavailable and the mode tolerates that.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications.
	Notifier *notify.Notifier
}

// requiresPostgres returns true for modes that cannot run without the
// database. Run mode degrades to in-memory-only operation instead.
func requiresPostgres(mode string) bool {
	switch mode {
	case "server", "archive":
		return true
	default:
		return false
	}
}

// requiresS3 returns true for modes that cannot run without object storage.
func requiresS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		if requiresPostgres(cfg.Mode) {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		// Persistence never gates live trading; run without it.
		logger.Warn("postgres unavailable, continuing without persistence",
			slog.String("error", err.Error()),
		)
	} else {
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Operations = postgres.NewOperationStore(pool)
		deps.Transitions = postgres.NewTransitionStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Recoveries = postgres.NewRecoveryStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	streamMaxLen := cfg.Redis.StreamMaxLen
	if streamMaxLen <= 0 {
		streamMaxLen = 10_000
	}

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)

	// --- S3 blob storage ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		if requiresS3(cfg.Mode) {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		logger.Warn("s3 unavailable, archive disabled",
			slog.String("error", err.Error()),
		)
	} else {
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		// Archiving needs the database rows to drain.
		if deps.Operations != nil && deps.Transitions != nil {
			deps.Archiver = s3blob.NewArchiver(
				deps.BlobWriter,
				deps.Operations,
				deps.Transitions,
				deps.Recoveries,
				deps.Positions,
				logger,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, domain.AlertLevelInfo, logger)

	return deps, cleanup, nil
}

// buildRegistry constructs the exchange registry from the configured venues.
// With paper trading enabled every venue is a simulated exchange seeded with
// a generous quote balance; otherwise each venue gets a Binance-compatible
// REST client with credentials resolved through the key manager.
func buildRegistry(cfg *config.Config, limiter domain.RateLimiter, logger *slog.Logger) (*platform.Registry, error) {
	registry := platform.NewRegistry()

	names := make([]string, 0, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		names = append(names, name)
	}
	if len(names) == 0 && cfg.PaperTrading {
		names = []string{"binance_spot", "binance_futures"}
	}

	for _, name := range names {
		ex := cfg.Exchanges[name]

		if cfg.PaperTrading {
			registry.Register(paper.New(name, map[string]float64{
				"USDT": 100_000,
				"USDC": 100_000,
			}, ex.TakerFeeBps, logger))
			continue
		}

		creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
			APIKey:        ex.ApiKey,
			APISecret:     ex.ApiSecret,
			EncryptedPath: ex.EncryptedKeyPath,
			Password:      ex.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: credentials for %s: %w", name, err)
		}

		registry.Register(binance.NewClient(binance.Config{
			Name:            name,
			BaseURL:         ex.BaseURL,
			Credentials:     creds,
			RecvWindowMs:    ex.RecvWindowMs,
			RateLimitPerMin: ex.RateLimitPerMin,
			Limiter:         limiter,
		}, logger))
	}

	return registry, nil
}

// registryBalanceFetcher adapts the exchange registry to the balance
// ledger's fetch contract: resolve the venue, pull its account balances,
// and return the free amount of the requested asset.
func registryBalanceFetcher(registry domain.ExchangeRegistry) ledger.BalanceFetcher {
	return ledger.BalanceFetcherFunc(func(ctx context.Context, exchange, asset string) (float64, error) {
		port, ok := registry.Port(exchange)
		if !ok {
			return 0, fmt.Errorf("app: balance fetch %s: %w", exchange, domain.ErrExchangeUnavailable)
		}
		balances, err := port.GetAccountBalance(ctx)
		if err != nil {
			return 0, fmt.Errorf("app: balance fetch %s/%s: %w", exchange, asset, err)
		}
		for _, b := range balances {
			if strings.EqualFold(b.Asset, asset) {
				return b.Free, nil
			}
		}
		return 0, nil
	})
}
