package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/platform"
	"github.com/quantfold/arbot/internal/platform/paper"
)

type harness struct {
	orch      *Orchestrator
	registry  *platform.Registry
	balances  *ledger.BalanceLedger
	positions *ledger.PositionLedger
	alpha     *paper.Exchange
	beta      *paper.Exchange
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Defaults()
	cfg.Executor.LegMaxExecutionTime.Duration = 500 * time.Millisecond
	cfg.Executor.FillPollInterval.Duration = 10 * time.Millisecond
	cfg.Executor.FillTimeout.Duration = 200 * time.Millisecond

	alpha := paper.New("alpha", map[string]float64{"USDT": 10_000}, 0, logger)
	beta := paper.New("beta", map[string]float64{"USDT": 10_000}, 0, logger)
	registry := platform.NewRegistry()
	registry.Register(alpha)
	registry.Register(beta)

	fetcher := ledger.BalanceFetcherFunc(func(context.Context, string, string) (float64, error) {
		return 10_000, nil
	})
	balances := ledger.NewBalanceLedger(cfg.Ledger, fetcher, logger)
	prices := platform.NewMultiPriceSource(registry, nil)
	positions := ledger.NewPositionLedger(cfg.Positions, prices, logger)

	return &harness{
		orch:      NewOrchestrator(cfg.Executor, registry, balances, positions, logger),
		registry:  registry,
		balances:  balances,
		positions: positions,
		alpha:     alpha,
		beta:      beta,
	}
}

func spotSpotOpportunity() domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:           "opp-1",
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

func hedgeOpportunity() domain.ArbitrageOpportunity {
	opp := spotSpotOpportunity()
	opp.ID = "opp-hedge"
	opp.Type = domain.OpportunityTypeSpotFuturesHedge
	opp.Futures = &domain.FuturesLeg{
		Exchange:   "beta",
		Symbol:     "BTCUSDT-PERP",
		HedgeRatio: 1.0,
		Price:      100.5,
	}
	return opp
}

func reserveBoth(t *testing.T, h *harness, operationID string) {
	t.Helper()
	ctx := context.Background()
	for _, exchange := range []string{"alpha", "beta"} {
		if _, err := h.balances.Reserve(ctx, exchange, "USDT", 101, operationID, time.Minute); err != nil {
			t.Fatalf("reserve on %s: %v", exchange, err)
		}
	}
}

func TestBuildPlanSpotSpot(t *testing.T) {
	h := newHarness(t)

	plan, err := h.orch.BuildPlan(spotSpotOpportunity(), domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Instructions) != 2 {
		t.Fatalf("instructions = %d, want 2", len(plan.Instructions))
	}
	buy, sell := plan.Instructions[0], plan.Instructions[1]
	if buy.Side != domain.OrderSideBuy || buy.Exchange != "alpha" || *buy.Price != 100 {
		t.Errorf("bad buy leg: %+v", buy)
	}
	if sell.Side != domain.OrderSideSell || sell.Exchange != "beta" || *sell.Price != 101 {
		t.Errorf("bad sell leg: %+v", sell)
	}
	if buy.Priority != sell.Priority {
		t.Error("simultaneous legs must share a priority")
	}
}

func TestBuildPlanHedgeFirstOrdersHedgeLeg(t *testing.T) {
	h := newHarness(t)

	plan, err := h.orch.BuildPlan(hedgeOpportunity(), domain.ExecutionStrategyHedgeFirst)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if !plan.Instructions[0].IsHedge {
		t.Error("HEDGE_FIRST must place the hedge leg first")
	}
	if plan.Instructions[1].IsHedge {
		t.Error("second leg must be the directional leg")
	}
	if plan.Instructions[0].Priority >= plan.Instructions[1].Priority {
		t.Error("hedge leg must carry the lower priority")
	}
}

func TestBuildPlanSequentialSafeChainsLegs(t *testing.T) {
	h := newHarness(t)

	plan, err := h.orch.BuildPlan(spotSpotOpportunity(), domain.ExecutionStrategySequentialSafe)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Instructions[0].DependsOn != "" {
		t.Error("first leg must not depend on anything")
	}
	if plan.Instructions[1].DependsOn != plan.Instructions[0].ID {
		t.Error("second leg must depend on the first leg's fill")
	}
}

func TestValidateUnknownExchange(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()
	opp.SellExchange = "ghost"

	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	err = h.orch.Validate(context.Background(), plan, "op-1")
	if !errors.Is(err, domain.ErrExchangeUnavailable) {
		t.Fatalf("Validate = %v, want ErrExchangeUnavailable", err)
	}
}

func TestValidateRequiresReservations(t *testing.T) {
	h := newHarness(t)

	plan, err := h.orch.BuildPlan(spotSpotOpportunity(), domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	if err := h.orch.Validate(context.Background(), plan, "op-1"); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("Validate without reservations = %v, want ErrInsufficientBalance", err)
	}

	reserveBoth(t, h, "op-1")
	if err := h.orch.Validate(context.Background(), plan, "op-1"); err != nil {
		t.Fatalf("Validate with reservations: %v", err)
	}
}

func TestExecuteSimultaneousBothFill(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()

	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	report, err := h.orch.Execute(context.Background(), plan, opp)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.FilledLegs() != 2 {
		t.Fatalf("filled legs = %d, want 2", report.FilledLegs())
	}
	if report.AtomicityViolated {
		t.Error("clean two-leg fill must not report an atomicity violation")
	}
	if len(report.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(report.Positions))
	}
	group, ok := h.positions.Group(opp.ID)
	if !ok || !group.Complete {
		t.Errorf("position group must exist and be complete, got %+v", group)
	}
}

func TestExecutePartialFillReportsAtomicityViolation(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()
	h.beta.InjectRejection("BTCUSDT", "insufficient liquidity")

	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	report, err := h.orch.Execute(context.Background(), plan, opp)
	if !errors.Is(err, domain.ErrAtomicityViolation) {
		t.Fatalf("Execute = %v, want ErrAtomicityViolation", err)
	}
	if !report.AtomicityViolated {
		t.Error("report must flag the violation")
	}
	if report.FilledLegs() != 1 {
		t.Errorf("filled legs = %d, want 1", report.FilledLegs())
	}
	if len(report.Positions) != 1 {
		t.Errorf("positions = %d, want 1 (the filled leg)", len(report.Positions))
	}
	failed := report.FailedLegs()
	if len(failed) != 1 || failed[0].Error == "" {
		t.Errorf("the failed leg must carry its error, got %+v", failed)
	}
}

func TestExecuteLegTimeoutIsCapturedNotRaised(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()
	h.beta.InjectTimeout("BTCUSDT", 5*time.Second)

	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	report, err := h.orch.Execute(context.Background(), plan, opp)
	if !errors.Is(err, domain.ErrAtomicityViolation) {
		t.Fatalf("Execute = %v, want ErrAtomicityViolation", err)
	}
	if report.FilledLegs() != 1 {
		t.Fatalf("filled legs = %d, want 1", report.FilledLegs())
	}
}

func TestExecuteSequentialSafeHaltsAfterFailedLeg(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()
	h.alpha.InjectRejection("BTCUSDT", "down for maintenance")

	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySequentialSafe)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	report, execErr := h.orch.Execute(context.Background(), plan, opp)
	if !errors.Is(execErr, domain.ErrAtomicityViolation) {
		t.Fatalf("Execute = %v, want ErrAtomicityViolation", execErr)
	}
	// The first leg failed, so the second must never have been sent.
	if len(report.Legs) != 1 {
		t.Fatalf("dispatched legs = %d, want 1", len(report.Legs))
	}
	if report.FilledLegs() != 0 {
		t.Errorf("filled legs = %d, want 0", report.FilledLegs())
	}
}

func TestFailureStageMapping(t *testing.T) {
	h := newHarness(t)
	opp := hedgeOpportunity()
	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategyDirectionalFirst)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	spotID, hedgeID := plan.Instructions[0].ID, plan.Instructions[1].ID

	cases := []struct {
		name   string
		legs   []domain.LegResult
		want   domain.ExecutionStage
	}{
		{"nothing dispatched", nil, domain.ExecutionStagePreparing},
		{"all rejected", []domain.LegResult{
			{InstructionID: spotID}, {InstructionID: hedgeID},
		}, domain.ExecutionStageSpotOrdering},
		{"spot filled, hedge failed", []domain.LegResult{
			{InstructionID: spotID, Filled: true}, {InstructionID: hedgeID},
		}, domain.ExecutionStageSpotFilled},
		{"hedge filled, spot failed", []domain.LegResult{
			{InstructionID: spotID}, {InstructionID: hedgeID, Filled: true},
		}, domain.ExecutionStageFuturesFilled},
		{"both filled", []domain.LegResult{
			{InstructionID: spotID, Filled: true}, {InstructionID: hedgeID, Filled: true},
		}, domain.ExecutionStageCompleted},
	}
	for _, tc := range cases {
		got := FailureStage(plan, domain.ExecutionReport{Legs: tc.legs})
		if got != tc.want {
			t.Errorf("%s: stage = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRemainingReturnsUnfilledInstructions(t *testing.T) {
	h := newHarness(t)
	opp := spotSpotOpportunity()
	plan, err := h.orch.BuildPlan(opp, domain.ExecutionStrategySimultaneous)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	report := domain.ExecutionReport{Legs: []domain.LegResult{
		{InstructionID: plan.Instructions[0].ID, Filled: true},
		{InstructionID: plan.Instructions[1].ID},
	}}
	rest := Remaining(plan, report)
	if len(rest) != 1 || rest[0].ID != plan.Instructions[1].ID {
		t.Fatalf("Remaining = %+v, want only the unfilled sell leg", rest)
	}
}
