package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/executor"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/lifecycle"
	"github.com/quantfold/arbot/internal/platform"
	"github.com/quantfold/arbot/internal/platform/paper"
	"github.com/quantfold/arbot/internal/recovery"
)

type chanSource struct {
	ch chan domain.ArbitrageOpportunity
}

func (s *chanSource) Opportunities(context.Context) (<-chan domain.ArbitrageOpportunity, error) {
	return s.ch, nil
}

type allowAll struct{}

func (allowAll) Check(context.Context, domain.ArbitrageOpportunity) error { return nil }

type alertRecorder struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (r *alertRecorder) Alert(event domain.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type e2eHarness struct {
	coord      *Coordinator
	machine    *lifecycle.Machine
	balances   *ledger.BalanceLedger
	positions  *ledger.PositionLedger
	recoveries *recovery.Coordinator
	alpha      *paper.Exchange
	beta       *paper.Exchange
	source     *chanSource
	alerts     *alertRecorder
}

func newE2EHarness(t *testing.T, tweak func(*config.Config)) *e2eHarness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Defaults()
	cfg.Executor.LegMaxExecutionTime.Duration = 300 * time.Millisecond
	cfg.Executor.FillPollInterval.Duration = 10 * time.Millisecond
	cfg.Executor.FillTimeout.Duration = 200 * time.Millisecond
	cfg.Recovery.Timeout.Duration = 5 * time.Second
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

	fetcher := ledger.BalanceFetcherFunc(func(context.Context, string, string) (float64, error) {
		return 10_000, nil
	})
	balances := ledger.NewBalanceLedger(cfg.Ledger, fetcher, logger)
	prices := platform.NewMultiPriceSource(registry, nil)
	positions := ledger.NewPositionLedger(cfg.Positions, prices, logger)
	machine := lifecycle.New(cfg.Lifecycle, nil, logger)
	orch := executor.NewOrchestrator(cfg.Executor, registry, balances, positions, logger)
	alerts := &alertRecorder{}
	recoveries := recovery.NewCoordinator(cfg.Recovery, registry, positions, prices, nil, alerts, logger)

	source := &chanSource{ch: make(chan domain.ArbitrageOpportunity, 8)}
	coord := New(cfg, Params{
		Machine:    machine,
		Balances:   balances,
		Positions:  positions,
		Orch:       orch,
		Recoveries: recoveries,
		Risk:       allowAll{},
		Source:     source,
		Alerts:     alerts,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("coordinator did not drain on shutdown")
		}
	})

	return &e2eHarness{
		coord:      coord,
		machine:    machine,
		balances:   balances,
		positions:  positions,
		recoveries: recoveries,
		alpha:      alpha,
		beta:       beta,
		source:     source,
		alerts:     alerts,
	}
}

func (h *e2eHarness) operationFor(opportunityID string) (domain.OperationContext, bool) {
	for _, op := range h.machine.All() {
		if op.OpportunityID == opportunityID {
			return op, true
		}
	}
	return domain.OperationContext{}, false
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOpportunity(id string) domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:           id,
		Type:         domain.OpportunityTypeSpotSpot,
		Symbol:       "BTCUSDT",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     100,
		SellPrice:    101,
		MaxQuantity:  1.0,
		EstProfitUSD: 1.0,
		MarginBps:    100,
		DetectedAt:   time.Now().UTC(),
	}
}

// Scenario A: both legs confirm. The operation completes, the
// opportunity holds no remaining open positions, and every reservation
// is released.
func TestBothLegsFillCompletesOperation(t *testing.T) {
	h := newE2EHarness(t, nil)
	opp := testOpportunity("opp-a")

	h.source.ch <- opp
	waitFor(t, 5*time.Second, "operation to complete", func() bool {
		op, ok := h.operationFor(opp.ID)
		return ok && op.State == domain.OperationStateCompleted
	})

	if got := len(h.positions.ByOpportunity(opp.ID)); got != 0 {
		t.Errorf("remaining positions = %d, want 0 after settlement", got)
	}
	if got := h.balances.ActiveCount(); got != 0 {
		t.Errorf("active reservations = %d, want 0", got)
	}
	op, _ := h.operationFor(opp.ID)
	if op.Stage != domain.ExecutionStageCompleted {
		t.Errorf("stage = %s, want COMPLETED", op.Stage)
	}
}

// Scenario B: the sell leg times out after the buy leg filled. The
// operation routes through recovery, HEDGE_IMMEDIATELY places the
// missing leg, and the operation completes with both positions
// recorded.
func TestPartialFillRecoversViaImmediateHedge(t *testing.T) {
	h := newE2EHarness(t, nil)
	opp := testOpportunity("opp-b")
	h.beta.InjectTimeout("BTCUSDT", 600*time.Millisecond)

	h.source.ch <- opp
	waitFor(t, 8*time.Second, "operation to complete via recovery", func() bool {
		op, ok := h.operationFor(opp.ID)
		return ok && op.State == domain.OperationStateCompleted
	})

	if got := len(h.positions.ByOpportunity(opp.ID)); got != 2 {
		t.Errorf("positions = %d, want 2 (spot + compensating hedge)", got)
	}
	if got := h.balances.ActiveCount(); got != 0 {
		t.Errorf("active reservations = %d, want 0", got)
	}

	recoveries := h.recoveries.List()
	if len(recoveries) != 1 {
		t.Fatalf("recoveries = %d, want 1", len(recoveries))
	}
	rc := recoveries[0]
	if rc.Strategy != domain.RecoveryStrategyHedgeImmediately {
		t.Errorf("strategy = %s, want HEDGE_IMMEDIATELY", rc.Strategy)
	}
	if rc.Status != domain.RecoveryStatusCompletedSuccess {
		t.Errorf("recovery status = %s, want COMPLETED_SUCCESS", rc.Status)
	}
	if rc.FailureStage != domain.ExecutionStageSpotFilled {
		t.Errorf("failure stage = %s, want SPOT_FILLED", rc.FailureStage)
	}
}

// Scenario C: estimated loss above the cap gates the recovery behind
// manual approval; no compensating order is placed.
func TestLossCapHoldsRecoveryForApproval(t *testing.T) {
	h := newE2EHarness(t, func(cfg *config.Config) {
		cfg.Recovery.LossCapUSD = 0.01
	})
	opp := testOpportunity("opp-c")
	h.beta.InjectTimeout("BTCUSDT", 600*time.Millisecond)

	h.source.ch <- opp
	waitFor(t, 5*time.Second, "recovery to await approval", func() bool {
		for _, rc := range h.recoveries.List() {
			if rc.RequiresManualApproval && rc.Status == domain.RecoveryStatusInitiated {
				return true
			}
		}
		return false
	})

	op, ok := h.operationFor(opp.ID)
	if !ok || op.State != domain.OperationStateRecovering {
		t.Fatalf("operation state = %v, want RECOVERING", op.State)
	}
	if got := len(h.positions.ByOpportunity(opp.ID)); got != 1 {
		t.Errorf("positions = %d, want 1 (no compensating order before approval)", got)
	}
}

func TestDuplicateOpportunityIsIgnored(t *testing.T) {
	h := newE2EHarness(t, nil)
	opp := testOpportunity("opp-dup")

	h.source.ch <- opp
	h.source.ch <- opp
	waitFor(t, 5*time.Second, "first operation to complete", func() bool {
		op, ok := h.operationFor(opp.ID)
		return ok && op.State == domain.OperationStateCompleted
	})
	time.Sleep(100 * time.Millisecond)

	count := 0
	for _, op := range h.machine.All() {
		if op.OpportunityID == opp.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("operations for duplicate opportunity = %d, want 1", count)
	}
}

func TestExpiredOpportunityIsSkipped(t *testing.T) {
	h := newE2EHarness(t, nil)
	opp := testOpportunity("opp-exp")
	opp.DetectedAt = time.Now().UTC().Add(-time.Minute)
	opp.ExecutionWindow = time.Second

	h.source.ch <- opp
	time.Sleep(200 * time.Millisecond)

	if _, ok := h.operationFor(opp.ID); ok {
		t.Error("expired opportunity must not create an operation")
	}
}

func TestStatusSummarizesLiveState(t *testing.T) {
	h := newE2EHarness(t, nil)
	opp := testOpportunity("opp-status")

	h.source.ch <- opp
	waitFor(t, 5*time.Second, "operation to complete", func() bool {
		op, ok := h.operationFor(opp.ID)
		return ok && op.State == domain.OperationStateCompleted
	})

	status := h.coord.Status()
	if status.ActiveOperations != 0 {
		t.Errorf("active operations = %d, want 0", status.ActiveOperations)
	}
	if status.OpenPositions != 0 {
		t.Errorf("open positions = %d, want 0", status.OpenPositions)
	}
	if status.Mode != "run" {
		t.Errorf("mode = %q, want run", status.Mode)
	}
}

func TestDedupTTLWindow(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	if d.IsDuplicate("x") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !d.IsDuplicate("x") {
		t.Fatal("second sighting within TTL must be a duplicate")
	}
	time.Sleep(60 * time.Millisecond)
	if d.IsDuplicate("x") {
		t.Fatal("sighting after TTL must not be a duplicate")
	}
	d.Cleanup()
}
