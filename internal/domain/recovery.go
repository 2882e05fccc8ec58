package domain

import "time"

// RecoveryStrategy is the compensating action chosen for a failed or
// partially filled operation.
type RecoveryStrategy string

const (
	RecoveryStrategyCompleteExecution    RecoveryStrategy = "COMPLETE_EXECUTION"
	RecoveryStrategyUnwindPositions      RecoveryStrategy = "UNWIND_POSITIONS"
	RecoveryStrategyHedgeImmediately     RecoveryStrategy = "HEDGE_IMMEDIATELY"
	RecoveryStrategyWaitAndRetry         RecoveryStrategy = "WAIT_AND_RETRY"
	RecoveryStrategyManualIntervention   RecoveryStrategy = "MANUAL_INTERVENTION"
	RecoveryStrategyEmergencyLiquidation RecoveryStrategy = "EMERGENCY_LIQUIDATION"
)

// RecoveryStatus is the lifecycle of one recovery attempt.
type RecoveryStatus string

const (
	RecoveryStatusInitiated         RecoveryStatus = "INITIATED"
	RecoveryStatusInProgress        RecoveryStatus = "IN_PROGRESS"
	RecoveryStatusPartiallyComplete RecoveryStatus = "PARTIALLY_COMPLETE"
	RecoveryStatusCompletedSuccess  RecoveryStatus = "COMPLETED_SUCCESS"
	RecoveryStatusCompletedFailure  RecoveryStatus = "COMPLETED_FAILURE"
	RecoveryStatusEscalated         RecoveryStatus = "ESCALATED"
	RecoveryStatusCancelled         RecoveryStatus = "CANCELLED"
)

// Terminal reports whether the recovery can no longer change status.
func (s RecoveryStatus) Terminal() bool {
	switch s {
	case RecoveryStatusCompletedSuccess, RecoveryStatusCompletedFailure,
		RecoveryStatusEscalated, RecoveryStatusCancelled:
		return true
	}
	return false
}

// RecoveryAction is one logged step taken while executing a recovery.
type RecoveryAction struct {
	At          time.Time
	Description string
	OrderID     string // set when the action placed or cancelled an order
	Error       string // empty on success
}

// RecoveryContext is the full record of one recovery attempt.
type RecoveryContext struct {
	ID                     string
	OperationID            string
	OpportunityID          string
	FailureReason          string
	FailureStage           ExecutionStage
	AffectedPositions      []PositionEntry // snapshot at initiation
	Strategy               RecoveryStrategy
	Status                 RecoveryStatus
	Attempts               int
	MaxAttempts            int
	EstimatedLoss          float64
	Actions                []RecoveryAction
	RequiresManualApproval bool
	Metadata               map[string]string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Clone returns a deep copy safe to publish while the coordinator keeps
// mutating the original.
func (c RecoveryContext) Clone() RecoveryContext {
	out := c
	out.AffectedPositions = make([]PositionEntry, len(c.AffectedPositions))
	copy(out.AffectedPositions, c.AffectedPositions)
	out.Actions = make([]RecoveryAction, len(c.Actions))
	copy(out.Actions, c.Actions)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
