package domain

import "time"

// OperationState is the lifecycle state of one arbitrage operation.
type OperationState string

const (
	OperationStateIdle             OperationState = "IDLE"
	OperationStateDetecting        OperationState = "DETECTING"
	OperationStateOpportunityFound OperationState = "OPPORTUNITY_FOUND"
	OperationStateExecuting        OperationState = "EXECUTING"
	OperationStatePositionOpen     OperationState = "POSITION_OPEN"
	OperationStateRecovering       OperationState = "RECOVERING"
	OperationStateCompleted        OperationState = "COMPLETED"
	OperationStateFailed           OperationState = "FAILED"
)

// Terminal reports whether the state admits cleanup (only COMPLETED and
// FAILED operations are ever removed).
func (s OperationState) Terminal() bool {
	return s == OperationStateCompleted || s == OperationStateFailed
}

// ExecutionStage records how far order placement had progressed when an
// event (usually a failure) occurred. Recovery strategy selection keys
// off this value.
type ExecutionStage string

const (
	ExecutionStagePreparing       ExecutionStage = "PREPARING"
	ExecutionStageSpotOrdering    ExecutionStage = "SPOT_ORDERING"
	ExecutionStageSpotFilled      ExecutionStage = "SPOT_FILLED"
	ExecutionStageFuturesOrdering ExecutionStage = "FUTURES_ORDERING"
	ExecutionStageFuturesFilled   ExecutionStage = "FUTURES_FILLED"
	ExecutionStageCompleted       ExecutionStage = "COMPLETED"
)

// StateTransition is one recorded edge in an operation's lifecycle.
type StateTransition struct {
	OperationID string
	From        OperationState
	To          OperationState
	Trigger     string
	At          time.Time
	Success     bool
	Error       string // empty on success
	Duration    time.Duration
}

// OperationContext is the canonical record of one arbitrage attempt.
// It is owned by the state machine and mutated only through validated
// transitions.
type OperationContext struct {
	ID                         string
	OpportunityID              string
	State                      OperationState
	Stage                      ExecutionStage
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	Transitions                []StateTransition
	RecoveryAttempts           int
	RequiresManualIntervention bool
	Metadata                   map[string]string
}

// Clone returns a deep copy safe to hand to observers and stores while
// the state machine keeps mutating the original.
func (c OperationContext) Clone() OperationContext {
	out := c
	out.Transitions = make([]StateTransition, len(c.Transitions))
	copy(out.Transitions, c.Transitions)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
