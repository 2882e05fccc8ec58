package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/arbot/internal/coordinator"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/executor"
	"github.com/quantfold/arbot/internal/feed"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/lifecycle"
	"github.com/quantfold/arbot/internal/metrics"
	"github.com/quantfold/arbot/internal/notify"
	"github.com/quantfold/arbot/internal/pipeline"
	"github.com/quantfold/arbot/internal/platform"
	"github.com/quantfold/arbot/internal/recovery"
	"github.com/quantfold/arbot/internal/server"
	"github.com/quantfold/arbot/internal/server/handler"
	"github.com/quantfold/arbot/internal/server/ws"
	"github.com/quantfold/arbot/internal/service"
	"github.com/quantfold/arbot/internal/store"
)

// gaugeInterval is how often the Prometheus gauges are refreshed from
// the live ledgers.
const gaugeInterval = 10 * time.Second

// core bundles the live trading components one RunMode invocation owns.
type core struct {
	machine    *lifecycle.Machine
	balances   *ledger.BalanceLedger
	positions  *ledger.PositionLedger
	recoveries *recovery.Coordinator
	risk       *service.RiskService
	coord      *coordinator.Coordinator
}

// RunMode starts the full coordinator: exchange registry, ledgers, state
// machine, executor, recovery, risk gate, opportunity feed, and the HTTP
// API when enabled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode",
		slog.Bool("paper_trading", a.cfg.PaperTrading),
	)

	g, ctx := errgroup.WithContext(ctx)

	registry, err := buildRegistry(a.cfg, deps.RateLimiter, a.logger)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}
	prices := platform.NewMultiPriceSource(registry, nil)

	balances := ledger.NewBalanceLedger(a.cfg.Ledger, registryBalanceFetcher(registry), a.logger)
	positions := ledger.NewPositionLedger(a.cfg.Positions, prices, a.logger)
	if deps.Positions != nil {
		positions.SetHistory(deps.Positions)
	}

	// Observers: metrics always, the signal bus bridge always, and the
	// write-behind persister when the database is wired.
	busPublisher := notify.NewBusPublisher(deps.SignalBus, a.logger)
	observers := domain.FanOutObserver{metrics.Observer{}, busPublisher}
	if deps.Operations != nil && deps.Transitions != nil {
		persister := store.NewPersister(deps.Operations, deps.Transitions, 1024, a.logger)
		observers = append(observers, persister)
		g.Go(func() error {
			return persister.Run(ctx)
		})
	}
	machine := lifecycle.New(a.cfg.Lifecycle, observers, a.logger)

	orch := executor.NewOrchestrator(a.cfg.Executor, registry, balances, positions, a.logger)

	// Alerts fan out to the signal bus and, when senders are configured,
	// to the bounded notification queue.
	alerts := domain.FanOutAlertSink{busPublisher}
	if deps.Notifier != nil && deps.Notifier.HasSenders() {
		queue := notify.NewQueue(deps.Notifier, a.cfg.Notify.QueueSize, a.logger)
		alerts = append(alerts, queue)
		g.Go(func() error {
			return queue.Run(ctx)
		})
	}

	recoveries := recovery.NewCoordinator(
		a.cfg.Recovery, registry, positions, prices, deps.Locks, alerts, a.logger,
	)
	if deps.Recoveries != nil {
		recoveries.SetStore(deps.Recoveries)
	}

	risk := service.NewRiskService(machine, positions, a.cfg.Risk, a.logger)

	source := feed.NewOpportunityFeed(deps.SignalBus, a.cfg.Feed.BufferSize, a.logger)

	coord := coordinator.New(*a.cfg, coordinator.Params{
		Machine:    machine,
		Balances:   balances,
		Positions:  positions,
		Orch:       orch,
		Recoveries: recoveries,
		Risk:       risk,
		Source:     source,
		Alerts:     alerts,
	}, a.logger)
	g.Go(func() error {
		return coord.Run(ctx)
	})

	// Gauge refresh loop.
	g.Go(func() error {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				metrics.SetActiveOperations(machine.ActiveCount())
				metrics.SetOpenPositions(positions.OpenCount())
				metrics.SetActiveReservations(balances.ActiveCount())
				metrics.SetTotalExposureUSD(positions.Exposure(""))
			}
		}
	})

	// Background archive job.
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		job := pipeline.NewArchiver(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
		cron := a.cfg.S3.ArchiveCron
		g.Go(func() error {
			return job.RunCron(ctx, cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, &core{
			machine:    machine,
			balances:   balances,
			positions:  positions,
			recoveries: recoveries,
			risk:       risk,
			coord:      coord,
		})
	}

	return g.Wait()
}

// ServerMode serves the HTTP API over the persistent stores without a
// live coordinator: operations, transitions, positions, and recoveries
// come from the database; mutating endpoints report unavailability.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	// Empty in-memory components so the query services have a live layer
	// to consult before falling back to the stores.
	registry := platform.NewRegistry()
	prices := platform.NewMultiPriceSource(registry, nil)
	machine := lifecycle.New(a.cfg.Lifecycle, metrics.Observer{}, a.logger)
	positions := ledger.NewPositionLedger(a.cfg.Positions, prices, a.logger)
	recoveries := recovery.NewCoordinator(
		a.cfg.Recovery, registry, positions, prices, deps.Locks, nil, a.logger,
	)

	a.startHTTPServer(ctx, g, deps, &core{
		machine:    machine,
		positions:  positions,
		recoveries: recoveries,
	})

	return g.Wait()
}

// ArchiveMode executes one archive pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.S3.RetentionDays),
	)

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver requires both postgres and s3")
	}

	job := pipeline.NewArchiver(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to
// the given errgroup. Components absent from c degrade their endpoints
// to 503 responses.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	operationSvc := service.NewOperationService(c.machine, deps.Operations, deps.Transitions, a.logger)
	positionSvc := service.NewPositionService(c.positions, deps.Positions, a.logger)
	recoverySvc := service.NewRecoveryService(c.recoveries, deps.Recoveries, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.ApiKey,
		RateLimiter:     deps.RateLimiter,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Status:     handler.NewStatusHandler(c.coord, c.balances, c.risk, a.logger),
		Operations: handler.NewOperationHandler(operationSvc, a.logger),
		Positions:  handler.NewPositionHandler(positionSvc, a.logger),
		Recoveries: handler.NewRecoveryHandler(recoverySvc, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
