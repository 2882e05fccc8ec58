package domain

import "time"

// ExecutionStrategy selects how the legs of a plan are ordered and
// dispatched.
type ExecutionStrategy string

const (
	ExecutionStrategySimultaneous     ExecutionStrategy = "SIMULTANEOUS"
	ExecutionStrategySequentialFast   ExecutionStrategy = "SEQUENTIAL_FAST"
	ExecutionStrategySequentialSafe   ExecutionStrategy = "SEQUENTIAL_SAFE"
	ExecutionStrategyHedgeFirst       ExecutionStrategy = "HEDGE_FIRST"
	ExecutionStrategyDirectionalFirst ExecutionStrategy = "DIRECTIONAL_FIRST"
)

// OrderInstruction is one leg of an execution plan.
type OrderInstruction struct {
	ID                string
	Exchange          string
	Symbol            string
	Side              OrderSide
	Type              OrderType
	Quantity          float64
	Price             *float64 // nil for market orders
	Priority          int      // lower executes earlier; equal may run concurrently
	DependsOn         string   // instruction id that must fill first, "" for none
	MaxExecutionTime  time.Duration
	PricePrecision    int
	QuantityPrecision int
	IsHedge           bool
	HedgeRatio        float64
}

// ExecutionPlan is the ordered set of leg instructions built from one
// opportunity. Immutable after creation.
type ExecutionPlan struct {
	ID                      string
	OpportunityID           string
	Strategy                ExecutionStrategy
	Instructions            []OrderInstruction
	EstTotalTime            time.Duration
	SlippageToleranceBps    float64
	RequireAtomicCompletion bool
	CreatedAt               time.Time
}

// LegResult is the captured outcome of dispatching one instruction.
// Leg failures are recorded here, never raised past the orchestrator.
type LegResult struct {
	InstructionID  string
	Exchange       string
	Symbol         string
	Side           OrderSide
	OrderID        string
	Filled         bool
	FillPrice      float64
	FilledQuantity float64
	Fee            float64
	Error          string // empty when the leg filled
	Elapsed        time.Duration
}

// ExecutionReport aggregates per-leg results for one plan execution.
type ExecutionReport struct {
	PlanID            string
	OpportunityID     string
	Strategy          ExecutionStrategy
	Legs              []LegResult
	Positions         []PositionEntry
	AtomicityViolated bool
	StartedAt         time.Time
	FinishedAt        time.Time
}

// FilledLegs counts legs that confirmed a fill.
func (r ExecutionReport) FilledLegs() int {
	n := 0
	for _, leg := range r.Legs {
		if leg.Filled {
			n++
		}
	}
	return n
}

// FailedLegs returns the results of legs that did not fill.
func (r ExecutionReport) FailedLegs() []LegResult {
	var out []LegResult
	for _, leg := range r.Legs {
		if !leg.Filled {
			out = append(out, leg)
		}
	}
	return out
}
