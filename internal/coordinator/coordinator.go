// Package coordinator drives arbitrage operations end to end: it
// consumes detected opportunities, gates them on risk, reserves
// balances, executes the plan, records the outcome in the state
// machine, and hands partial failures to the recovery subsystem.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/executor"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/lifecycle"
	"github.com/quantfold/arbot/internal/recovery"
)

// RiskGate vets an opportunity before any funds are committed.
type RiskGate interface {
	Check(ctx context.Context, opp domain.ArbitrageOpportunity) error
}

// Params collects the coordinator's collaborators.
type Params struct {
	Machine    *lifecycle.Machine
	Balances   *ledger.BalanceLedger
	Positions  *ledger.PositionLedger
	Orch       *executor.Orchestrator
	Recoveries *recovery.Coordinator
	Risk       RiskGate
	Source     domain.OpportunitySource
	Alerts     domain.AlertSink
}

// inflight ties an operation to the artifacts recovery needs.
type inflight struct {
	operationID string
	opportunity domain.ArbitrageOpportunity
	plan        domain.ExecutionPlan
}

// Coordinator owns the run loop. One goroutine per admitted
// opportunity, bounded by the risk config's concurrency cap.
type Coordinator struct {
	machine    *lifecycle.Machine
	balances   *ledger.BalanceLedger
	positions  *ledger.PositionLedger
	orch       *executor.Orchestrator
	recoveries *recovery.Coordinator
	risk       RiskGate
	source     domain.OpportunitySource
	alerts     domain.AlertSink
	dedup      *Dedup

	mu        sync.Mutex
	recovered map[string]inflight // operation id -> context for the recovery callback

	cfg     config.Config
	logger  *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	started time.Time
}

// New creates a Coordinator and registers itself as the recovery
// completion hook.
func New(cfg config.Config, p Params, logger *slog.Logger) *Coordinator {
	alerts := p.Alerts
	if alerts == nil {
		alerts = domain.NoopAlertSink{}
	}
	c := &Coordinator{
		machine:    p.Machine,
		balances:   p.Balances,
		positions:  p.Positions,
		orch:       p.Orch,
		recoveries: p.Recoveries,
		risk:       p.Risk,
		source:     p.Source,
		alerts:     alerts,
		dedup:      NewDedup(2 * time.Minute),
		recovered:  make(map[string]inflight),
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "coordinator")),
		sem:        make(chan struct{}, cfg.Risk.MaxConcurrentOps),
	}
	c.recoveries.SetCompletionFunc(c.onRecoveryDone)
	return c
}

// Run consumes opportunities until the context is cancelled, then
// waits for in-flight operations and recoveries to drain.
func (c *Coordinator) Run(ctx context.Context) error {
	c.started = time.Now().UTC()
	opportunities, err := c.source.Opportunities(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: opportunity source: %w", err)
	}

	c.logger.Info("coordinator started",
		slog.Int("max_concurrent_ops", c.cfg.Risk.MaxConcurrentOps),
		slog.Bool("paper_trading", c.cfg.PaperTrading),
	)
	defer c.logger.Info("coordinator stopped")

	ledgerSweep := time.NewTicker(c.cfg.Ledger.SweepInterval.Duration)
	defer ledgerSweep.Stop()
	positionSweep := time.NewTicker(c.cfg.Positions.SweepInterval.Duration)
	defer positionSweep.Stop()
	cleanup := time.NewTicker(c.cfg.Lifecycle.CleanupInterval.Duration)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return ctx.Err()

		case opp, ok := <-opportunities:
			if !ok {
				c.drain()
				return nil
			}
			c.admit(ctx, opp)

		case now := <-ledgerSweep.C:
			c.balances.Sweep(now.UTC())
			c.dedup.Cleanup()

		case now := <-positionSweep.C:
			c.sweepPositions(now.UTC())

		case now := <-cleanup.C:
			c.machine.Cleanup(now.UTC())
		}
	}
}

// admit runs the pre-execution gates and spawns the operation.
func (c *Coordinator) admit(ctx context.Context, opp domain.ArbitrageOpportunity) {
	log := c.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
	)

	if c.dedup.IsDuplicate(opp.ID) {
		log.DebugContext(ctx, "duplicate opportunity, skipping")
		return
	}
	if opp.Expired(time.Now().UTC()) {
		log.WarnContext(ctx, "opportunity expired before admission, skipping",
			slog.Duration("window", opp.ExecutionWindow),
		)
		return
	}
	if err := c.risk.Check(ctx, opp); err != nil {
		log.WarnContext(ctx, "risk gate rejected opportunity",
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.execute(ctx, opp)
	}()
}

// execute drives one operation through its lifecycle. Failures before
// any order was sent end in FAILED; partial fills hand off to recovery.
func (c *Coordinator) execute(ctx context.Context, opp domain.ArbitrageOpportunity) {
	op := c.machine.Create(opp.ID)
	log := c.logger.With(
		slog.String("operation_id", op.ID),
		slog.String("opportunity_id", opp.ID),
	)

	if _, err := c.machine.Transition(op.ID, domain.OperationStateDetecting, "opportunity_received"); err != nil {
		log.ErrorContext(ctx, "transition failed", slog.String("error", err.Error()))
		return
	}
	if _, err := c.machine.Transition(op.ID, domain.OperationStateOpportunityFound, "opportunity_validated"); err != nil {
		log.ErrorContext(ctx, "transition failed", slog.String("error", err.Error()))
		return
	}

	if err := c.reserve(ctx, opp, op.ID); err != nil {
		log.WarnContext(ctx, "reservation failed, abandoning operation",
			slog.String("error", err.Error()),
		)
		c.balances.ReleaseForOperation(op.ID)
		c.fail(op.ID, "insufficient_balance")
		return
	}

	plan, err := c.orch.BuildPlan(opp, c.defaultStrategy(opp))
	if err != nil {
		log.ErrorContext(ctx, "plan build failed", slog.String("error", err.Error()))
		c.balances.ReleaseForOperation(op.ID)
		c.fail(op.ID, "plan_build_failed")
		return
	}
	if err := c.orch.Validate(ctx, plan, op.ID); err != nil {
		log.WarnContext(ctx, "plan validation failed", slog.String("error", err.Error()))
		c.balances.ReleaseForOperation(op.ID)
		c.fail(op.ID, "plan_invalid")
		return
	}

	if _, err := c.machine.Transition(op.ID, domain.OperationStateExecuting, "execution_started"); err != nil {
		log.ErrorContext(ctx, "transition failed", slog.String("error", err.Error()))
		c.balances.ReleaseForOperation(op.ID)
		return
	}
	_ = c.machine.SetStage(op.ID, domain.ExecutionStageSpotOrdering)

	report, execErr := c.orch.Execute(ctx, plan, opp)

	switch {
	case execErr == nil && report.FilledLegs() == len(plan.Instructions):
		c.complete(ctx, op.ID, opp, report)

	case errors.Is(execErr, domain.ErrAtomicityViolation):
		c.recover(ctx, op.ID, opp, plan, report)

	default:
		// No leg filled and atomicity was not required; nothing to
		// compensate.
		log.WarnContext(ctx, "execution failed without fills",
			slog.Int("filled", report.FilledLegs()),
		)
		c.balances.ReleaseForOperation(op.ID)
		c.fail(op.ID, "execution_failed")
	}
}

// complete settles the filled group and finishes the operation. A
// fully filled arbitrage holds no residual inventory: each leg is
// closed at the group's mid entry price, realizing the captured
// spread, and the reservations are returned.
func (c *Coordinator) complete(ctx context.Context, operationID string, opp domain.ArbitrageOpportunity, report domain.ExecutionReport) {
	_ = c.machine.SetStage(operationID, domain.ExecutionStageCompleted)

	realized := 0.0
	legs := c.positions.ByOpportunity(opp.ID)
	mid := midEntryPrice(legs)
	for _, leg := range legs {
		pnl, err := c.positions.Close(leg.ID, mid, "settle-"+operationID)
		if err != nil {
			c.logger.ErrorContext(ctx, "settlement close failed",
				slog.String("position_id", leg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		realized += pnl
	}

	c.balances.ReleaseForOperation(operationID)
	if _, err := c.machine.Transition(operationID, domain.OperationStateCompleted, "all_legs_filled"); err != nil {
		c.logger.ErrorContext(ctx, "completion transition failed",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.InfoContext(ctx, "operation completed",
		slog.String("operation_id", operationID),
		slog.String("opportunity_id", opp.ID),
		slog.Int("legs", len(report.Legs)),
		slog.Float64("realized_pnl", realized),
	)
}

// recover moves the operation to RECOVERING and initiates compensation.
// The recovery completion callback finishes the operation.
func (c *Coordinator) recover(ctx context.Context, operationID string, opp domain.ArbitrageOpportunity, plan domain.ExecutionPlan, report domain.ExecutionReport) {
	stage := executor.FailureStage(plan, report)
	_ = c.machine.SetStage(operationID, stage)

	if _, err := c.machine.TransitionToRecovery(operationID, "atomicity_violation"); err != nil {
		c.logger.ErrorContext(ctx, "recovery transition failed",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		c.balances.ReleaseForOperation(operationID)
		return
	}

	c.mu.Lock()
	c.recovered[operationID] = inflight{operationID: operationID, opportunity: opp, plan: plan}
	c.mu.Unlock()

	failureReason := "atomicity violation"
	if failed := report.FailedLegs(); len(failed) > 0 {
		failureReason = failed[0].Error
	}

	if _, err := c.recoveries.Initiate(ctx, recovery.InitiateParams{
		OperationID:       operationID,
		Opportunity:       opp,
		FailureReason:     failureReason,
		FailureStage:      stage,
		AffectedPositions: report.Positions,
		Plan:              plan,
		Report:            report,
	}); err != nil {
		c.logger.ErrorContext(ctx, "recovery initiation failed",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		c.balances.ReleaseForOperation(operationID)
		c.fail(operationID, "recovery_unavailable")
	}
}

// onRecoveryDone reports a terminal recovery back into the state
// machine and releases the operation's reservations.
func (c *Coordinator) onRecoveryDone(rc domain.RecoveryContext, success bool) {
	c.mu.Lock()
	delete(c.recovered, rc.OperationID)
	c.mu.Unlock()

	c.balances.ReleaseForOperation(rc.OperationID)

	target := domain.OperationStateFailed
	if success {
		target = domain.OperationStateCompleted
	}
	if _, err := c.machine.CompleteRecovery(rc.OperationID, target, success); err != nil {
		c.logger.Error("recovery completion transition failed",
			slog.String("operation_id", rc.OperationID),
			slog.String("recovery_id", rc.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !success {
		c.alerts.Alert(domain.AlertEvent{
			Level:       domain.AlertLevelCritical,
			Kind:        "operation_failed",
			OperationID: rc.OperationID,
			RecoveryID:  rc.ID,
			Title:       "Operation failed after recovery " + string(rc.Status),
			Detail: map[string]string{
				"strategy":           string(rc.Strategy),
				"estimated_loss_usd": fmt.Sprintf("%.2f", rc.EstimatedLoss),
			},
			At: time.Now().UnixMilli(),
		})
	}
}

// reserve claims the funds every leg needs. The detector's explicit
// requirements win; without them a quote-denominated margin is
// reserved on both venues.
func (c *Coordinator) reserve(ctx context.Context, opp domain.ArbitrageOpportunity, operationID string) error {
	required := opp.RequiredBalances
	if len(required) == 0 {
		required = []domain.RequiredBalance{
			{Exchange: opp.BuyExchange, Asset: quoteAsset(opp.Symbol), Amount: opp.BuyPrice * opp.MaxQuantity},
			{Exchange: opp.SellExchange, Asset: quoteAsset(opp.Symbol), Amount: opp.SellPrice * opp.MaxQuantity},
		}
		if opp.Futures != nil {
			required = append(required, domain.RequiredBalance{
				Exchange: opp.Futures.Exchange,
				Asset:    quoteAsset(opp.Futures.Symbol),
				Amount:   opp.Futures.Price * opp.MaxQuantity * opp.Futures.HedgeRatio,
			})
		}
	}

	for _, req := range required {
		if _, err := c.balances.Reserve(ctx, req.Exchange, req.Asset, req.Amount, operationID, c.cfg.Ledger.ReservationTTL.Duration); err != nil {
			return err
		}
	}
	return nil
}

// fail moves an operation to FAILED, tolerating an already-terminal
// state.
func (c *Coordinator) fail(operationID, trigger string) {
	if _, err := c.machine.Transition(operationID, domain.OperationStateFailed, trigger); err != nil {
		c.logger.Debug("failure transition skipped",
			slog.String("operation_id", operationID),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

// sweepPositions flags stale positions and alerts on each batch.
func (c *Coordinator) sweepPositions(now time.Time) {
	flagged := c.positions.SweepStale(now)
	if len(flagged) == 0 {
		return
	}
	for _, pos := range flagged {
		c.alerts.Alert(domain.AlertEvent{
			Level:       domain.AlertLevelWarning,
			Kind:        "stale_position",
			OperationID: pos.OpportunityID,
			Title:       "Stale position " + pos.Symbol + " on " + pos.Exchange,
			Detail: map[string]string{
				"position_id": pos.ID,
				"quantity":    fmt.Sprintf("%g", pos.Quantity),
				"entry_price": fmt.Sprintf("%g", pos.EntryPrice),
				"age":         now.Sub(pos.FilledAt).String(),
			},
			At: now.UnixMilli(),
		})
	}
}

// drain waits for in-flight operations and recovery tasks before
// returning from Run.
func (c *Coordinator) drain() {
	c.logger.Info("draining in-flight operations")
	c.wg.Wait()
	c.recoveries.Wait()
}

// Status summarizes the coordinator for the API server.
func (c *Coordinator) Status() domain.CoordinatorStatus {
	active := 0
	for _, rc := range c.recoveries.List() {
		if !rc.Status.Terminal() {
			active++
		}
	}
	return domain.CoordinatorStatus{
		Mode:               c.cfg.Mode,
		UptimeSeconds:      int64(time.Since(c.started).Seconds()),
		ActiveOperations:   c.machine.ActiveCount(),
		OpenPositions:      c.positions.OpenCount(),
		ActiveReservations: c.balances.ActiveCount(),
		ActiveRecoveries:   active,
		NetExposureUSD:     c.positions.Exposure(""),
	}
}

func (c *Coordinator) defaultStrategy(opp domain.ArbitrageOpportunity) domain.ExecutionStrategy {
	if opp.Type == domain.OpportunityTypeSpotFuturesHedge {
		return domain.ExecutionStrategyHedgeFirst
	}
	return domain.ExecutionStrategy(strings.ToUpper(c.cfg.Executor.DefaultStrategy))
}

// quoteAsset guesses the quote currency of a symbol for margin
// reservations when the detector supplied no explicit requirements.
func quoteAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(strings.ToUpper(symbol), quote) {
			return quote
		}
	}
	return "USDT"
}

// midEntryPrice averages the entry prices of a settled group's legs.
func midEntryPrice(legs []domain.PositionEntry) float64 {
	if len(legs) == 0 {
		return 0
	}
	sum := 0.0
	for _, leg := range legs {
		sum += leg.EntryPrice
	}
	return sum / float64(len(legs))
}
