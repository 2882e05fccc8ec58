// Package executor turns an arbitrage opportunity into an ordered
// execution plan and dispatches its legs against the exchange ports.
// Leg failures are captured per-leg and surfaced in the report; they
// never escape this boundary as unhandled faults.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
)

// Orchestrator builds and executes multi-leg plans. It consumes
// reservations from the balance ledger (validation only; the
// coordinator owns reserve/release) and records fills into the
// position ledger.
type Orchestrator struct {
	registry  domain.ExchangeRegistry
	balances  *ledger.BalanceLedger
	positions *ledger.PositionLedger
	cfg       config.ExecutorConfig
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	cfg config.ExecutorConfig,
	registry domain.ExchangeRegistry,
	balances *ledger.BalanceLedger,
	positions *ledger.PositionLedger,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		balances:  balances,
		positions: positions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
	}
}

// BuildPlan constructs the immutable execution plan for an opportunity
// under the requested strategy. An empty strategy uses the configured
// default.
//
// Spot-spot (and funding-rate) opportunities produce exactly two legs,
// a buy on the buy venue and a sell on the sell venue. Spot+futures
// opportunities produce a directional spot leg plus a hedge leg whose
// ordering depends on the strategy: HEDGE_FIRST places the hedge
// before the spot leg, every other strategy places the spot leg first.
// SEQUENTIAL_SAFE additionally chains the second leg on the first
// leg's fill confirmation.
func (o *Orchestrator) BuildPlan(opp domain.ArbitrageOpportunity, strategy domain.ExecutionStrategy) (domain.ExecutionPlan, error) {
	if strategy == "" {
		strategy = domain.ExecutionStrategy(strings.ToUpper(o.cfg.DefaultStrategy))
	}

	buyPrice := opp.BuyPrice
	sellPrice := opp.SellPrice
	buy := domain.OrderInstruction{
		ID:               uuid.NewString(),
		Exchange:         opp.BuyExchange,
		Symbol:           opp.Symbol,
		Side:             domain.OrderSideBuy,
		Type:             domain.OrderTypeLimit,
		Quantity:         opp.MaxQuantity,
		Price:            &buyPrice,
		MaxExecutionTime: o.cfg.LegMaxExecutionTime.Duration,
	}

	var legs []domain.OrderInstruction
	switch {
	case opp.Type == domain.OpportunityTypeSpotFuturesHedge:
		if opp.Futures == nil {
			return domain.ExecutionPlan{}, fmt.Errorf("orchestrator: build plan %s: spot+futures opportunity without futures leg", opp.ID)
		}
		hedgePrice := opp.Futures.Price
		hedge := domain.OrderInstruction{
			ID:               uuid.NewString(),
			Exchange:         opp.Futures.Exchange,
			Symbol:           opp.Futures.Symbol,
			Side:             domain.OrderSideSell,
			Type:             domain.OrderTypeLimit,
			Quantity:         opp.MaxQuantity * opp.Futures.HedgeRatio,
			Price:            &hedgePrice,
			MaxExecutionTime: o.cfg.LegMaxExecutionTime.Duration,
			IsHedge:          true,
			HedgeRatio:       opp.Futures.HedgeRatio,
		}
		if strategy == domain.ExecutionStrategyHedgeFirst {
			legs = []domain.OrderInstruction{hedge, buy}
		} else {
			legs = []domain.OrderInstruction{buy, hedge}
		}
	default:
		sell := domain.OrderInstruction{
			ID:               uuid.NewString(),
			Exchange:         opp.SellExchange,
			Symbol:           opp.Symbol,
			Side:             domain.OrderSideSell,
			Type:             domain.OrderTypeLimit,
			Quantity:         opp.MaxQuantity,
			Price:            &sellPrice,
			MaxExecutionTime: o.cfg.LegMaxExecutionTime.Duration,
		}
		legs = []domain.OrderInstruction{buy, sell}
	}

	for i := range legs {
		if strategy == domain.ExecutionStrategySimultaneous {
			legs[i].Priority = 0
		} else {
			legs[i].Priority = i
		}
		if strategy == domain.ExecutionStrategySequentialSafe && i > 0 {
			legs[i].DependsOn = legs[i-1].ID
		}
	}

	estTotal := o.cfg.LegMaxExecutionTime.Duration
	if strategy != domain.ExecutionStrategySimultaneous {
		estTotal = time.Duration(len(legs)) * o.cfg.LegMaxExecutionTime.Duration
	}

	return domain.ExecutionPlan{
		ID:                      uuid.NewString(),
		OpportunityID:           opp.ID,
		Strategy:                strategy,
		Instructions:            legs,
		EstTotalTime:            estTotal,
		SlippageToleranceBps:    o.cfg.SlippageToleranceBps,
		RequireAtomicCompletion: o.cfg.RequireAtomic,
		CreatedAt:               time.Now().UTC(),
	}, nil
}

// Validate checks a plan against live infrastructure: every referenced
// exchange must have an active trading port, and the operation must
// hold a balance reservation on every venue the plan touches. This is
// the synchronization point with the balance ledger.
func (o *Orchestrator) Validate(ctx context.Context, plan domain.ExecutionPlan, operationID string) error {
	for _, instr := range plan.Instructions {
		if _, ok := o.registry.Port(instr.Exchange); !ok {
			return fmt.Errorf("orchestrator: validate plan %s: no trading port for %s: %w",
				plan.ID, instr.Exchange, domain.ErrExchangeUnavailable)
		}
	}

	reservedOn := make(map[string]bool)
	for _, res := range o.balances.ReservationsForOperation(operationID) {
		reservedOn[res.Exchange] = true
	}
	for _, instr := range plan.Instructions {
		if !reservedOn[instr.Exchange] {
			return fmt.Errorf("orchestrator: validate plan %s: no reservation held on %s for operation %s: %w",
				plan.ID, instr.Exchange, operationID, domain.ErrInsufficientBalance)
		}
	}
	return nil
}

// Execute dispatches every leg per the strategy's concurrency rule,
// records a position for every confirmed fill, and returns the
// aggregate report. When the plan requires atomic completion and the
// fill count does not match the planned leg count, the returned error
// wraps ErrAtomicityViolation; the report is always valid either way.
func (o *Orchestrator) Execute(ctx context.Context, plan domain.ExecutionPlan, opp domain.ArbitrageOpportunity) (domain.ExecutionReport, error) {
	started := time.Now().UTC()
	acc := newResultAccumulator(plan.Instructions)

	switch plan.Strategy {
	case domain.ExecutionStrategySimultaneous:
		o.executeConcurrent(ctx, plan, acc)
	case domain.ExecutionStrategySequentialSafe:
		o.executeSequential(ctx, plan, acc, true)
	default:
		// SEQUENTIAL_FAST, HEDGE_FIRST, DIRECTIONAL_FIRST: leg order is
		// encoded in instruction priorities; dispatch back-to-back.
		o.executeSequential(ctx, plan, acc, false)
	}

	report := domain.ExecutionReport{
		PlanID:        plan.ID,
		OpportunityID: plan.OpportunityID,
		Strategy:      plan.Strategy,
		Legs:          acc.legs(),
		StartedAt:     started,
		FinishedAt:    time.Now().UTC(),
	}

	// Position creation is serialized through the ledger's guard even
	// when legs ran concurrently.
	for _, leg := range report.Legs {
		if !leg.Filled {
			continue
		}
		instr := instructionByID(plan, leg.InstructionID)
		stage := domain.ExecutionStageSpotFilled
		if instr.IsHedge {
			stage = domain.ExecutionStageFuturesFilled
		}
		entry, err := o.positions.Open(ledger.OpenParams{
			Opportunity: opp,
			Exchange:    leg.Exchange,
			Symbol:      leg.Symbol,
			Side:        leg.Side,
			Quantity:    leg.FilledQuantity,
			EntryPrice:  leg.FillPrice,
			OrderID:     leg.OrderID,
			Stage:       stage,
			FeesPaid:    leg.Fee,
			IsHedge:     instr.IsHedge,
			HedgeRatio:  instr.HedgeRatio,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "recording fill failed",
				slog.String("plan_id", plan.ID),
				slog.String("order_id", leg.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Positions = append(report.Positions, entry)
	}

	if plan.RequireAtomicCompletion && report.FilledLegs() != len(plan.Instructions) {
		report.AtomicityViolated = true
		o.logger.WarnContext(ctx, "atomicity violated",
			slog.String("plan_id", plan.ID),
			slog.String("opportunity_id", plan.OpportunityID),
			slog.Int("filled", report.FilledLegs()),
			slog.Int("planned", len(plan.Instructions)),
		)
		return report, fmt.Errorf("orchestrator: plan %s filled %d of %d legs: %w",
			plan.ID, report.FilledLegs(), len(plan.Instructions), domain.ErrAtomicityViolation)
	}

	o.logger.InfoContext(ctx, "plan executed",
		slog.String("plan_id", plan.ID),
		slog.String("strategy", string(plan.Strategy)),
		slog.Int("filled", report.FilledLegs()),
		slog.Int("planned", len(plan.Instructions)),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// executeConcurrent dispatches every leg at once and waits for all of
// them. Each leg runs under its own deadline; a failed leg never
// cancels its siblings.
func (o *Orchestrator) executeConcurrent(ctx context.Context, plan domain.ExecutionPlan, acc *resultAccumulator) {
	// Plain group, no shared cancellation: a failed leg must not cancel
	// its siblings, each leg carries its own deadline.
	var g errgroup.Group
	for _, instr := range plan.Instructions {
		instr := instr
		g.Go(func() error {
			acc.add(o.executeLeg(ctx, instr))
			return nil
		})
	}
	_ = g.Wait()
}

// executeSequential dispatches legs in priority order. With
// confirmFills set, a leg that does not confirm stops dispatch of the
// remaining legs; without it, every leg is attempted regardless.
func (o *Orchestrator) executeSequential(ctx context.Context, plan domain.ExecutionPlan, acc *resultAccumulator, confirmFills bool) {
	ordered := make([]domain.OrderInstruction, len(plan.Instructions))
	copy(ordered, plan.Instructions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, instr := range ordered {
		res := o.executeLeg(ctx, instr)
		acc.add(res)
		if confirmFills && !res.Filled {
			o.logger.WarnContext(ctx, "leg unconfirmed, halting sequential dispatch",
				slog.String("plan_id", plan.ID),
				slog.String("instruction_id", instr.ID),
				slog.String("exchange", instr.Exchange),
				slog.String("error", res.Error),
			)
			return
		}
	}
}

// executeLeg places one order under the instruction's execution budget
// and, for orders the venue leaves open, polls until filled or the
// fill timeout lapses. All failures are captured in the result.
func (o *Orchestrator) executeLeg(ctx context.Context, instr domain.OrderInstruction) domain.LegResult {
	started := time.Now()
	result := domain.LegResult{
		InstructionID: instr.ID,
		Exchange:      instr.Exchange,
		Symbol:        instr.Symbol,
		Side:          instr.Side,
	}

	port, ok := o.registry.Port(instr.Exchange)
	if !ok {
		result.Error = domain.ErrExchangeUnavailable.Error()
		result.Elapsed = time.Since(started)
		return result
	}

	legCtx, cancel := context.WithTimeout(ctx, instr.MaxExecutionTime)
	defer cancel()

	order, err := port.PlaceOrder(legCtx, domain.OrderRequest{
		Symbol:      instr.Symbol,
		Side:        instr.Side,
		Type:        instr.Type,
		Quantity:    instr.Quantity,
		Price:       instr.Price,
		TimeInForce: domain.TimeInForceGTC,
		ClientID:    instr.ID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrOrderTimeout
		}
		result.Error = err.Error()
		result.Elapsed = time.Since(started)
		return result
	}
	result.OrderID = order.OrderID

	if !order.Status.Final() {
		order, err = awaitFill(legCtx, port, instr.Symbol, order.OrderID, o.cfg.FillPollInterval.Duration, o.cfg.FillTimeout.Duration)
		if err != nil {
			result.Error = err.Error()
			result.Elapsed = time.Since(started)
			return result
		}
	}

	result.Filled = order.Filled()
	result.FillPrice = order.AvgFillPrice
	result.FilledQuantity = order.FilledQuantity
	result.Fee = order.Fee
	if !result.Filled {
		result.Error = fmt.Sprintf("order %s ended %s: %s", order.OrderID, order.Status, order.Message)
	}
	result.Elapsed = time.Since(started)
	return result
}

// FailureStage derives how far order placement progressed from a
// report, the key recovery strategy selection works from.
func FailureStage(plan domain.ExecutionPlan, report domain.ExecutionReport) domain.ExecutionStage {
	if len(report.Legs) == 0 {
		return domain.ExecutionStagePreparing
	}
	if report.FilledLegs() == len(plan.Instructions) {
		return domain.ExecutionStageCompleted
	}
	if report.FilledLegs() == 0 {
		return domain.ExecutionStageSpotOrdering
	}
	// Partial fill: an unhedged directional fill is the dangerous case.
	for _, leg := range report.Legs {
		if leg.Filled && !instructionByID(plan, leg.InstructionID).IsHedge {
			return domain.ExecutionStageSpotFilled
		}
	}
	// Only hedge legs filled: the hedge is on, the directional leg is
	// what failed.
	return domain.ExecutionStageFuturesFilled
}

// Remaining returns the instructions a report left unfilled, in plan
// order. Recovery by COMPLETE_EXECUTION retries exactly these.
func Remaining(plan domain.ExecutionPlan, report domain.ExecutionReport) []domain.OrderInstruction {
	filled := make(map[string]bool, len(report.Legs))
	for _, leg := range report.Legs {
		if leg.Filled {
			filled[leg.InstructionID] = true
		}
	}
	var out []domain.OrderInstruction
	for _, instr := range plan.Instructions {
		if !filled[instr.ID] {
			out = append(out, instr)
		}
	}
	return out
}

func instructionByID(plan domain.ExecutionPlan, id string) domain.OrderInstruction {
	for _, instr := range plan.Instructions {
		if instr.ID == id {
			return instr
		}
	}
	return domain.OrderInstruction{}
}
