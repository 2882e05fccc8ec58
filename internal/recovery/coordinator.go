// Package recovery analyzes failed or partially filled operations,
// selects a compensating strategy, and drives it through the exchange
// ports. Every failure path terminates in a status an operator can
// observe; nothing is ever silently dropped.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
)

// CompletionFunc is invoked once a recovery reaches a terminal status.
// The caller uses it to report back into the state machine and release
// reservations.
type CompletionFunc func(rc domain.RecoveryContext, success bool)

// Coordinator owns the recovery contexts and their executing tasks.
type Coordinator struct {
	mu         sync.Mutex
	recoveries map[string]*domain.RecoveryContext
	cancels    map[string]context.CancelFunc

	registry  domain.ExchangeRegistry
	positions *ledger.PositionLedger
	prices    domain.PriceSource
	locks     domain.LockManager // optional; serializes recovery per operation across processes
	alerts    domain.AlertSink
	cfg       config.RecoveryConfig
	logger    *slog.Logger

	store      domain.RecoveryStore // optional write-behind store
	onComplete CompletionFunc
	wg         sync.WaitGroup
}

// NewCoordinator creates a recovery Coordinator. locks may be nil when
// no distributed lock manager is available; alerts may be nil.
func NewCoordinator(
	cfg config.RecoveryConfig,
	registry domain.ExchangeRegistry,
	positions *ledger.PositionLedger,
	prices domain.PriceSource,
	locks domain.LockManager,
	alerts domain.AlertSink,
	logger *slog.Logger,
) *Coordinator {
	if alerts == nil {
		alerts = domain.NoopAlertSink{}
	}
	return &Coordinator{
		recoveries: make(map[string]*domain.RecoveryContext),
		cancels:    make(map[string]context.CancelFunc),
		registry:   registry,
		positions:  positions,
		prices:     prices,
		locks:      locks,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "recovery")),
		onComplete: func(domain.RecoveryContext, bool) {},
	}
}

// SetCompletionFunc registers the terminal-status callback. Must be
// called before the first Initiate.
func (c *Coordinator) SetCompletionFunc(fn CompletionFunc) {
	if fn != nil {
		c.onComplete = fn
	}
}

// SetStore attaches a write-behind recovery store. Status changes are
// mirrored to it best-effort; a store failure never affects the live
// recovery.
func (c *Coordinator) SetStore(store domain.RecoveryStore) {
	c.store = store
}

// persist mirrors one snapshot to the store off the caller's path.
func (c *Coordinator) persist(snapshot domain.RecoveryContext) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Upsert(ctx, snapshot); err != nil {
			c.logger.Warn("recovery store write failed",
				slog.String("recovery_id", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// StrategyForStage maps an execution stage to its compensating
// strategy. The mapping is fixed: identical inputs always select the
// identical strategy.
func StrategyForStage(stage domain.ExecutionStage) domain.RecoveryStrategy {
	switch stage {
	case domain.ExecutionStageSpotFilled:
		// A directional leg filled without its hedge; the unhedged risk
		// must be closed immediately.
		return domain.RecoveryStrategyHedgeImmediately
	case domain.ExecutionStageFuturesOrdering:
		// The hedge attempt failed before any fill; retrying placement
		// is safe.
		return domain.RecoveryStrategyCompleteExecution
	case domain.ExecutionStageFuturesFilled:
		// The hedge filled but the directional leg did not; the hedge
		// holds exposure flat while the remaining leg is completed.
		return domain.RecoveryStrategyCompleteExecution
	case domain.ExecutionStagePreparing:
		// Nothing was sent; no position exists, so back off and retry.
		return domain.RecoveryStrategyWaitAndRetry
	default:
		return domain.RecoveryStrategyUnwindPositions
	}
}

// InitiateParams carries everything the coordinator needs to analyze a
// failure and execute compensation.
type InitiateParams struct {
	OperationID       string
	Opportunity       domain.ArbitrageOpportunity
	FailureReason     string
	FailureStage      domain.ExecutionStage
	AffectedPositions []domain.PositionEntry
	// Plan and Report enable COMPLETE_EXECUTION and WAIT_AND_RETRY to
	// retry exactly the unfilled legs.
	Plan   domain.ExecutionPlan
	Report domain.ExecutionReport
}

// Initiate analyzes a failure, estimates the potential loss, and either
// starts the compensating task or, when manual approval is required,
// leaves the recovery INITIATED and fires an alert. The returned
// snapshot reflects the state after analysis.
func (c *Coordinator) Initiate(ctx context.Context, p InitiateParams) (domain.RecoveryContext, error) {
	strategy := StrategyForStage(p.FailureStage)
	loss := c.estimateLoss(ctx, p.AffectedPositions)

	now := time.Now().UTC()
	rc := &domain.RecoveryContext{
		ID:                uuid.NewString(),
		OperationID:       p.OperationID,
		OpportunityID:     p.Opportunity.ID,
		FailureReason:     p.FailureReason,
		FailureStage:      p.FailureStage,
		AffectedPositions: append([]domain.PositionEntry(nil), p.AffectedPositions...),
		Strategy:          strategy,
		Status:            domain.RecoveryStatusInitiated,
		MaxAttempts:       c.cfg.MaxAttempts,
		EstimatedLoss:     loss,
		Metadata:          map[string]string{"plan_id": p.Plan.ID},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	rc.RequiresManualApproval = strategy == domain.RecoveryStrategyManualIntervention ||
		strategy == domain.RecoveryStrategyEmergencyLiquidation ||
		loss > c.cfg.LossCapUSD

	c.mu.Lock()
	c.recoveries[rc.ID] = rc
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "recovery initiated",
		slog.String("recovery_id", rc.ID),
		slog.String("operation_id", p.OperationID),
		slog.String("stage", string(p.FailureStage)),
		slog.String("strategy", string(strategy)),
		slog.Float64("estimated_loss", loss),
		slog.Bool("requires_approval", rc.RequiresManualApproval),
	)
	c.alert(rc, domain.AlertLevelWarning, "recovery_initiated", "Recovery initiated")
	c.persist(rc.Clone())

	if rc.RequiresManualApproval {
		// No compensating order is placed until an operator approves.
		c.alert(rc, domain.AlertLevelCritical, "approval_required", "Recovery requires manual approval")
		return rc.Clone(), nil
	}

	c.start(rc.ID, p)
	return c.snapshot(rc.ID)
}

// Approve releases an approval-gated recovery for execution.
func (c *Coordinator) Approve(_ context.Context, recoveryID string, p InitiateParams) error {
	c.mu.Lock()
	rc, ok := c.recoveries[recoveryID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("recovery: approve %s: %w", recoveryID, domain.ErrNotFound)
	}
	if rc.Status != domain.RecoveryStatusInitiated {
		c.mu.Unlock()
		return fmt.Errorf("recovery: approve %s: status %s is not INITIATED", recoveryID, rc.Status)
	}
	rc.RequiresManualApproval = false
	c.appendAction(rc, "approved for automated continuation", "", nil)
	c.mu.Unlock()

	c.start(recoveryID, p)
	return nil
}

// ApproveByID releases an approval-gated recovery using the stored
// affected-positions snapshot when the caller has no fuller context
// (the HTTP admin path).
func (c *Coordinator) ApproveByID(ctx context.Context, recoveryID string) error {
	rc, err := c.Get(recoveryID)
	if err != nil {
		return err
	}
	return c.Approve(ctx, recoveryID, InitiateParams{
		OperationID:       rc.OperationID,
		Opportunity:       domain.ArbitrageOpportunity{ID: rc.OpportunityID},
		FailureReason:     rc.FailureReason,
		FailureStage:      rc.FailureStage,
		AffectedPositions: rc.AffectedPositions,
	})
}

// Cancel aborts a recovery on operator request. Running tasks are
// cancelled; terminal recoveries cannot be cancelled.
func (c *Coordinator) Cancel(recoveryID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.recoveries[recoveryID]
	if !ok {
		return fmt.Errorf("recovery: cancel %s: %w", recoveryID, domain.ErrNotFound)
	}
	if rc.Status.Terminal() {
		return fmt.Errorf("recovery: cancel %s: already %s", recoveryID, rc.Status)
	}
	if cancel, ok := c.cancels[recoveryID]; ok {
		cancel()
		delete(c.cancels, recoveryID)
	}
	c.setStatusLocked(rc, domain.RecoveryStatusCancelled)
	c.appendAction(rc, "cancelled: "+reason, "", nil)

	c.logger.Info("recovery cancelled",
		slog.String("recovery_id", recoveryID),
		slog.String("reason", reason),
	)
	snapshot := rc.Clone()
	c.persist(snapshot)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.onComplete(snapshot, false)
	}()
	return nil
}

// Get returns a snapshot of one recovery.
func (c *Coordinator) Get(recoveryID string) (domain.RecoveryContext, error) {
	return c.snapshot(recoveryID)
}

// List returns snapshots of every known recovery, newest first.
func (c *Coordinator) List() []domain.RecoveryContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.RecoveryContext, 0, len(c.recoveries))
	for _, rc := range c.recoveries {
		out = append(out, rc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until every running recovery task has finished. Used on
// shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// start launches the compensating task for a recovery under the
// configured recovery timeout.
func (c *Coordinator) start(recoveryID string, p InitiateParams) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout.Duration)

	c.mu.Lock()
	c.cancels[recoveryID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, recoveryID, p)
	}()
}

// run executes the selected strategy and drives the recovery to a
// terminal status. An unhandled strategy failure ends in
// COMPLETED_FAILURE followed by immediate escalation, never a dropped
// task.
func (c *Coordinator) run(ctx context.Context, recoveryID string, p InitiateParams) {
	c.mu.Lock()
	rc, ok := c.recoveries[recoveryID]
	if !ok {
		c.mu.Unlock()
		return
	}
	strategy := rc.Strategy
	operationID := rc.OperationID
	c.mu.Unlock()

	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "arbot:recovery:"+operationID, c.cfg.Timeout.Duration)
		if err != nil {
			// Compensation cannot proceed without the lock; this must
			// still end in a terminal, operator-observable status.
			c.mu.Lock()
			if rc.Status.Terminal() { // cancelled while waiting for the lock
				c.mu.Unlock()
				return
			}
			rc.RequiresManualApproval = true
			c.appendAction(rc, "recovery lock not acquired", "", err)
			c.setStatusLocked(rc, domain.RecoveryStatusEscalated)
			snapshot := rc.Clone()
			c.mu.Unlock()

			c.logger.Warn("recovery lock not acquired, escalating",
				slog.String("recovery_id", recoveryID),
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()),
			)
			c.alert(&snapshot, domain.AlertLevelCritical, "escalated", "Recovery lock not acquired")
			c.persist(snapshot)
			c.onComplete(snapshot, false)
			return
		}
		defer unlock()
	}

	c.mu.Lock()
	if rc.Status.Terminal() { // cancelled while waiting for the lock
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(rc, domain.RecoveryStatusInProgress)
	c.mu.Unlock()

	err := c.executeStrategy(ctx, rc, strategy, p)

	c.mu.Lock()
	if rc.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		c.setStatusLocked(rc, domain.RecoveryStatusCompletedSuccess)
	case errors.Is(err, domain.ErrRecoveryExhausted) || errors.Is(err, context.DeadlineExceeded):
		rc.RequiresManualApproval = true
		c.appendAction(rc, "automatic recovery exhausted", "", err)
		c.setStatusLocked(rc, domain.RecoveryStatusEscalated)
	default:
		c.appendAction(rc, "strategy execution failed", "", err)
		c.setStatusLocked(rc, domain.RecoveryStatusCompletedFailure)
		// A failed compensation is itself an incident: escalate so an
		// operator sees it.
		c.setStatusLocked(rc, domain.RecoveryStatusEscalated)
	}
	snapshot := rc.Clone()
	c.mu.Unlock()

	success := snapshot.Status == domain.RecoveryStatusCompletedSuccess
	level := domain.AlertLevelInfo
	kind := "recovery_completed"
	if !success {
		level = domain.AlertLevelCritical
		kind = "escalated"
	}
	c.alert(&snapshot, level, kind, "Recovery "+string(snapshot.Status))
	c.persist(snapshot)

	c.logger.Info("recovery finished",
		slog.String("recovery_id", snapshot.ID),
		slog.String("operation_id", snapshot.OperationID),
		slog.String("strategy", string(snapshot.Strategy)),
		slog.String("status", string(snapshot.Status)),
		slog.Int("attempts", snapshot.Attempts),
	)
	c.onComplete(snapshot, success)
}

// estimateLoss values the affected positions at the present market
// price and adds the assumed execution cost of compensating orders.
// When a price fetch fails the slippage allowance alone stands in.
func (c *Coordinator) estimateLoss(ctx context.Context, positions []domain.PositionEntry) float64 {
	loss := 0.0
	for _, pos := range positions {
		slippage := pos.Notional() * c.cfg.SlippageAllowanceBps / 10_000
		price, err := c.prices.CurrentPrice(ctx, pos.Exchange, pos.Symbol)
		if err != nil {
			c.logger.WarnContext(ctx, "loss estimate without market price",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
			loss += slippage
			continue
		}
		if unrealized := pos.UnrealizedPnL(price); unrealized < 0 {
			loss += -unrealized
		}
		loss += slippage
	}
	return loss
}

func (c *Coordinator) snapshot(recoveryID string) (domain.RecoveryContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.recoveries[recoveryID]
	if !ok {
		return domain.RecoveryContext{}, fmt.Errorf("recovery: %s: %w", recoveryID, domain.ErrNotFound)
	}
	return rc.Clone(), nil
}

// setStatusLocked updates status and timestamp; callers hold c.mu.
func (c *Coordinator) setStatusLocked(rc *domain.RecoveryContext, status domain.RecoveryStatus) {
	rc.Status = status
	rc.UpdatedAt = time.Now().UTC()
}

// appendAction logs one recovery step; callers hold c.mu.
func (c *Coordinator) appendAction(rc *domain.RecoveryContext, description, orderID string, err error) {
	action := domain.RecoveryAction{
		At:          time.Now().UTC(),
		Description: description,
		OrderID:     orderID,
	}
	if err != nil {
		action.Error = err.Error()
	}
	rc.Actions = append(rc.Actions, action)
	rc.UpdatedAt = action.At
}

// alert fires an operator notification with enough context to act
// without consulting logs.
func (c *Coordinator) alert(rc *domain.RecoveryContext, level domain.AlertLevel, kind, title string) {
	c.alerts.Alert(domain.AlertEvent{
		Level:       level,
		Kind:        kind,
		OperationID: rc.OperationID,
		RecoveryID:  rc.ID,
		Title:       title,
		Detail: map[string]string{
			"strategy":           string(rc.Strategy),
			"status":             string(rc.Status),
			"failure_stage":      string(rc.FailureStage),
			"failure_reason":     rc.FailureReason,
			"estimated_loss_usd": fmt.Sprintf("%.2f", rc.EstimatedLoss),
			"affected_positions": fmt.Sprintf("%d", len(rc.AffectedPositions)),
		},
		At: time.Now().UnixMilli(),
	})
}
