package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/platform"
	"github.com/quantfold/arbot/internal/platform/paper"
)

type alertRecorder struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (r *alertRecorder) Alert(event domain.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *alertRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *alertRecorder) has(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type recoveryHarness struct {
	coord     *Coordinator
	positions *ledger.PositionLedger
	alpha     *paper.Exchange
	beta      *paper.Exchange
	alerts    *alertRecorder

	mu        sync.Mutex
	completed []domain.RecoveryContext
	successes []bool
}

func newRecoveryHarness(t *testing.T, tweak func(*config.Config)) *recoveryHarness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Defaults()
	cfg.Recovery.Timeout.Duration = 5 * time.Second
	cfg.Recovery.BackoffCapSec = 1
	if tweak != nil {
		tweak(&cfg)
	}

	alpha := paper.New("alpha", map[string]float64{"USDT": 10_000}, 0, logger)
	beta := paper.New("beta", map[string]float64{"USDT": 10_000}, 0, logger)
	alpha.SetPrice("BTCUSDT", 100)
	beta.SetPrice("BTCUSDT", 101)
	registry := platform.NewRegistry()
	registry.Register(alpha)
	registry.Register(beta)

	prices := platform.NewMultiPriceSource(registry, nil)
	positions := ledger.NewPositionLedger(cfg.Positions, prices, logger)
	alerts := &alertRecorder{}

	h := &recoveryHarness{
		positions: positions,
		alpha:     alpha,
		beta:      beta,
		alerts:    alerts,
	}
	h.coord = NewCoordinator(cfg.Recovery, registry, positions, prices, nil, alerts, logger)
	h.coord.SetCompletionFunc(func(rc domain.RecoveryContext, success bool) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.completed = append(h.completed, rc)
		h.successes = append(h.successes, success)
	})
	return h
}

func (h *recoveryHarness) openSpotLeg(t *testing.T, opp domain.ArbitrageOpportunity) domain.PositionEntry {
	t.Helper()
	entry, err := h.positions.Open(ledger.OpenParams{
		Opportunity: opp,
		Exchange:    "alpha",
		Symbol:      "BTCUSDT",
		Side:        domain.OrderSideBuy,
		Quantity:    1.0,
		EntryPrice:  100,
		OrderID:     "ord-spot",
		Stage:       domain.ExecutionStageSpotFilled,
	})
	if err != nil {
		t.Fatalf("open spot leg: %v", err)
	}
	return entry
}

func twoLegOpportunity() domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:           "opp-r1",
		Type:         domain.OpportunityTypeSpotSpot,
		Symbol:       "BTCUSDT",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     100,
		SellPrice:    101,
		MaxQuantity:  1.0,
		DetectedAt:   time.Now().UTC(),
	}
}

// twoLegPlanReport fabricates a plan whose buy leg filled and whose
// sell leg did not.
func twoLegPlanReport(opp domain.ArbitrageOpportunity) (domain.ExecutionPlan, domain.ExecutionReport) {
	sellPrice := opp.SellPrice
	buyPrice := opp.BuyPrice
	plan := domain.ExecutionPlan{
		ID:            "plan-r1",
		OpportunityID: opp.ID,
		Strategy:      domain.ExecutionStrategySimultaneous,
		Instructions: []domain.OrderInstruction{
			{ID: "i-buy", Exchange: "alpha", Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1.0, Price: &buyPrice},
			{ID: "i-sell", Exchange: "beta", Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: 1.0, Price: &sellPrice},
		},
		RequireAtomicCompletion: true,
	}
	report := domain.ExecutionReport{
		PlanID:        plan.ID,
		OpportunityID: opp.ID,
		Legs: []domain.LegResult{
			{InstructionID: "i-buy", Filled: true, FillPrice: 100, FilledQuantity: 1.0},
			{InstructionID: "i-sell", Error: "timeout"},
		},
	}
	return plan, report
}

func TestStrategyForStageMapping(t *testing.T) {
	cases := map[domain.ExecutionStage]domain.RecoveryStrategy{
		domain.ExecutionStageSpotFilled:      domain.RecoveryStrategyHedgeImmediately,
		domain.ExecutionStageFuturesOrdering: domain.RecoveryStrategyCompleteExecution,
		domain.ExecutionStagePreparing:       domain.RecoveryStrategyWaitAndRetry,
		domain.ExecutionStageFuturesFilled:   domain.RecoveryStrategyCompleteExecution,
		domain.ExecutionStageSpotOrdering:    domain.RecoveryStrategyUnwindPositions,
		domain.ExecutionStageCompleted:       domain.RecoveryStrategyUnwindPositions,
	}
	for stage, want := range cases {
		if got := StrategyForStage(stage); got != want {
			t.Errorf("StrategyForStage(%s) = %s, want %s", stage, got, want)
		}
	}
}

func TestStrategySelectionIsDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	stages := gen.OneConstOf(
		domain.ExecutionStagePreparing,
		domain.ExecutionStageSpotOrdering,
		domain.ExecutionStageSpotFilled,
		domain.ExecutionStageFuturesOrdering,
		domain.ExecutionStageFuturesFilled,
		domain.ExecutionStageCompleted,
	)
	known := map[domain.RecoveryStrategy]bool{
		domain.RecoveryStrategyHedgeImmediately:  true,
		domain.RecoveryStrategyCompleteExecution: true,
		domain.RecoveryStrategyWaitAndRetry:      true,
		domain.RecoveryStrategyUnwindPositions:   true,
	}

	properties.Property("selection is total and repeatable", prop.ForAll(
		func(stage domain.ExecutionStage) bool {
			first := StrategyForStage(stage)
			return known[first] && StrategyForStage(stage) == first
		},
		stages,
	))
	properties.TestingRun(t)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		capSec  int
		want    time.Duration
	}{
		{0, 30, 1 * time.Second},
		{1, 30, 2 * time.Second},
		{3, 30, 8 * time.Second},
		{10, 30, 30 * time.Second},
		{100, 30, 30 * time.Second},
		{2, 1, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, tc.capSec); got != tc.want {
			t.Errorf("Backoff(%d, %d) = %s, want %s", tc.attempt, tc.capSec, got, tc.want)
		}
	}
}

func TestHedgeImmediatelyCompletesOperation(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-1",
		Opportunity:       opp,
		FailureReason:     "sell leg timed out",
		FailureStage:      domain.ExecutionStageSpotFilled,
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if rc.Strategy != domain.RecoveryStrategyHedgeImmediately {
		t.Fatalf("strategy = %s, want HEDGE_IMMEDIATELY", rc.Strategy)
	}
	h.coord.Wait()

	final, err := h.coord.Get(rc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != domain.RecoveryStatusCompletedSuccess {
		t.Fatalf("status = %s, want COMPLETED_SUCCESS (actions: %+v)", final.Status, final.Actions)
	}
	if got := len(h.positions.ByOpportunity(opp.ID)); got != 2 {
		t.Errorf("positions for opportunity = %d, want 2 (spot + compensating hedge)", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.successes) != 1 || !h.successes[0] {
		t.Errorf("completion callback = %+v, want one success", h.successes)
	}
}

func TestLossAboveCapRequiresApproval(t *testing.T) {
	h := newRecoveryHarness(t, func(cfg *config.Config) {
		cfg.Recovery.LossCapUSD = 0.01
	})
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-2",
		Opportunity:       opp,
		FailureReason:     "sell leg timed out",
		FailureStage:      domain.ExecutionStageSpotFilled,
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.coord.Wait()

	if rc.Status != domain.RecoveryStatusInitiated {
		t.Fatalf("status = %s, want INITIATED", rc.Status)
	}
	if !rc.RequiresManualApproval {
		t.Fatal("RequiresManualApproval must be set")
	}
	if !h.alerts.has("approval_required") {
		t.Errorf("approval alert missing, got %v", h.alerts.kinds())
	}
	// No compensating order until approval: the spot leg is still alone.
	if got := len(h.positions.ByOpportunity(opp.ID)); got != 1 {
		t.Fatalf("positions = %d, want 1 (no order placed)", got)
	}

	if err := h.coord.Approve(context.Background(), rc.ID, InitiateParams{
		OperationID:       "op-2",
		Opportunity:       opp,
		FailureReason:     rc.FailureReason,
		FailureStage:      rc.FailureStage,
		AffectedPositions: rc.AffectedPositions,
		Plan:              plan,
		Report:            report,
	}); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	h.coord.Wait()

	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusCompletedSuccess {
		t.Fatalf("post-approval status = %s, want COMPLETED_SUCCESS", final.Status)
	}
	if got := len(h.positions.ByOpportunity(opp.ID)); got != 2 {
		t.Errorf("positions after approval = %d, want 2", got)
	}
}

func TestUnwindClosesAffectedPositions(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-3",
		Opportunity:       opp,
		FailureReason:     "venue went dark mid-execution",
		FailureStage:      domain.ExecutionStageCompleted, // filled, failed downstream: unwind
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.coord.Wait()

	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusCompletedSuccess {
		t.Fatalf("status = %s, want COMPLETED_SUCCESS (actions: %+v)", final.Status, final.Actions)
	}
	if got := h.positions.OpenCount(); got != 0 {
		t.Errorf("open positions = %d, want 0 after unwind", got)
	}
	if _, err := h.positions.Get(spot.ID); !errors.Is(err, domain.ErrPositionNotFound) {
		t.Errorf("position must be closed, got %v", err)
	}
}

func TestWaitAndRetryEscalatesPastAttemptCap(t *testing.T) {
	h := newRecoveryHarness(t, func(cfg *config.Config) {
		cfg.Recovery.MaxAttempts = 1
		cfg.Recovery.Timeout.Duration = 10 * time.Second
	})
	opp := twoLegOpportunity()
	plan, _ := twoLegPlanReport(opp)
	// Nothing filled; both venues reject, so every retry fails.
	h.alpha.InjectRejection("BTCUSDT", "maintenance")
	h.beta.InjectRejection("BTCUSDT", "maintenance")
	report := domain.ExecutionReport{PlanID: plan.ID, OpportunityID: opp.ID}

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:   "op-4",
		Opportunity:   opp,
		FailureReason: "nothing sent",
		FailureStage:  domain.ExecutionStagePreparing,
		Plan:          plan,
		Report:        report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if rc.Strategy != domain.RecoveryStrategyWaitAndRetry {
		t.Fatalf("strategy = %s, want WAIT_AND_RETRY", rc.Strategy)
	}
	h.coord.Wait()

	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusEscalated {
		t.Fatalf("status = %s, want ESCALATED", final.Status)
	}
	if !final.RequiresManualApproval {
		t.Error("escalation must require manual approval")
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", final.Attempts)
	}
	if final.Strategy != domain.RecoveryStrategyManualIntervention {
		t.Errorf("strategy = %s, want MANUAL_INTERVENTION after cap", final.Strategy)
	}
	if !h.alerts.has("escalated") {
		t.Errorf("escalation alert missing, got %v", h.alerts.kinds())
	}
}

func TestCancelAbortsApprovalGatedRecovery(t *testing.T) {
	h := newRecoveryHarness(t, func(cfg *config.Config) {
		cfg.Recovery.LossCapUSD = 0.01
	})
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-5",
		Opportunity:       opp,
		FailureReason:     "sell leg timed out",
		FailureStage:      domain.ExecutionStageSpotFilled,
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if err := h.coord.Cancel(rc.ID, "operator veto"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", final.Status)
	}
	if err := h.coord.Cancel(rc.ID, "again"); err == nil {
		t.Error("cancelling a terminal recovery must fail")
	}

	// Wait must cover the cancellation callback too.
	h.coord.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.completed) != 1 || h.successes[0] {
		t.Errorf("completion callbacks = %d (successes %v), want one failure", len(h.completed), h.successes)
	}
}

type failingLocks struct{}

func (failingLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

func TestLockFailureEscalates(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	h.coord.locks = failingLocks{}
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-9",
		Opportunity:       opp,
		FailureReason:     "venue went dark mid-execution",
		FailureStage:      domain.ExecutionStageCompleted,
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.coord.Wait()

	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusEscalated {
		t.Fatalf("status = %s, want ESCALATED when the lock cannot be acquired", final.Status)
	}
	if !final.RequiresManualApproval {
		t.Error("escalation must require manual approval")
	}
	if !h.alerts.has("escalated") {
		t.Errorf("escalation alert missing, got %v", h.alerts.kinds())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.completed) != 1 || h.successes[0] {
		t.Errorf("completion callbacks = %d (successes %v), want one failure", len(h.completed), h.successes)
	}
}

func TestFailedUnwindEscalates(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	opp := twoLegOpportunity()
	spot := h.openSpotLeg(t, opp)
	h.alpha.InjectRejection("BTCUSDT", "halted")
	plan, report := twoLegPlanReport(opp)

	rc, err := h.coord.Initiate(context.Background(), InitiateParams{
		OperationID:       "op-6",
		Opportunity:       opp,
		FailureReason:     "venue halted",
		FailureStage:      domain.ExecutionStageCompleted,
		AffectedPositions: []domain.PositionEntry{spot},
		Plan:              plan,
		Report:            report,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.coord.Wait()

	final, _ := h.coord.Get(rc.ID)
	if final.Status != domain.RecoveryStatusEscalated {
		t.Fatalf("status = %s, want ESCALATED after failed unwind", final.Status)
	}
	if !h.alerts.has("escalated") {
		t.Errorf("escalation alert missing, got %v", h.alerts.kinds())
	}
}
