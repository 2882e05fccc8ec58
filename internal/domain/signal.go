package domain

import "time"

// Signal bus channel names. Streams use the same names.
const (
	ChannelOpportunities = "arbot.opportunities"
	ChannelTransitions   = "arbot.transitions"
	ChannelRecoveries    = "arbot.recoveries"
	ChannelAlerts        = "arbot.alerts"
)

// TransitionEvent is the bus payload published for every state change.
type TransitionEvent struct {
	OperationID   string         `json:"operation_id"`
	OpportunityID string         `json:"opportunity_id"`
	From          OperationState `json:"from"`
	To            OperationState `json:"to"`
	Trigger       string         `json:"trigger"`
	Stage         ExecutionStage `json:"stage"`
	At            time.Time      `json:"at"`
}

// RecoveryEvent is the bus payload published when a recovery changes
// status.
type RecoveryEvent struct {
	RecoveryID    string           `json:"recovery_id"`
	OperationID   string           `json:"operation_id"`
	Status        RecoveryStatus   `json:"status"`
	Strategy      RecoveryStrategy `json:"strategy"`
	EstimatedLoss float64          `json:"estimated_loss"`
	Attempts      int              `json:"attempts"`
	At            time.Time        `json:"at"`
}

// CoordinatorStatus is a summary of the coordinator's current state.
type CoordinatorStatus struct {
	Mode               string  `json:"mode"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	ActiveOperations   int     `json:"active_operations"`
	OpenPositions      int     `json:"open_positions"`
	ActiveReservations int     `json:"active_reservations"`
	ActiveRecoveries   int     `json:"active_recoveries"`
	NetExposureUSD     float64 `json:"net_exposure_usd"`
}
