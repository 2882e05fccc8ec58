// Package lifecycle owns the canonical state of every arbitrage
// operation. All other components report outcomes here; the machine
// validates each transition against a closed table and notifies the
// registered observer.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
)

// allowed reports whether from -> to is a legal transition. The table
// is an exhaustive switch so the compiler keeps it in one place; adding
// a state without extending this function fails the default branch in
// tests immediately.
func allowed(from, to domain.OperationState) bool {
	switch from {
	case domain.OperationStateIdle:
		return to == domain.OperationStateDetecting ||
			to == domain.OperationStateFailed
	case domain.OperationStateDetecting:
		return to == domain.OperationStateOpportunityFound ||
			to == domain.OperationStateIdle ||
			to == domain.OperationStateFailed ||
			to == domain.OperationStateRecovering
	case domain.OperationStateOpportunityFound:
		return to == domain.OperationStateExecuting ||
			to == domain.OperationStateDetecting ||
			to == domain.OperationStateIdle ||
			to == domain.OperationStateFailed ||
			to == domain.OperationStateRecovering
	case domain.OperationStateExecuting:
		return to == domain.OperationStatePositionOpen ||
			to == domain.OperationStateCompleted ||
			to == domain.OperationStateFailed ||
			to == domain.OperationStateRecovering
	case domain.OperationStatePositionOpen:
		return to == domain.OperationStateExecuting ||
			to == domain.OperationStateCompleted ||
			to == domain.OperationStateFailed ||
			to == domain.OperationStateRecovering
	case domain.OperationStateRecovering:
		return to == domain.OperationStateIdle ||
			to == domain.OperationStateDetecting ||
			to == domain.OperationStateExecuting ||
			to == domain.OperationStateCompleted ||
			to == domain.OperationStateFailed
	case domain.OperationStateCompleted:
		return to == domain.OperationStateIdle
	case domain.OperationStateFailed:
		return to == domain.OperationStateIdle ||
			to == domain.OperationStateRecovering
	default:
		return false
	}
}

// Machine tracks OperationContexts and serializes all transitions
// behind one mutex. Of two concurrent transition attempts for the same
// operation only one wins; the loser fails the table check.
type Machine struct {
	mu         sync.Mutex
	operations map[string]*domain.OperationContext
	history    []domain.StateTransition

	observer domain.StateObserver
	cfg      config.LifecycleConfig
	logger   *slog.Logger
}

// New creates a Machine. A nil observer is replaced by a no-op.
func New(cfg config.LifecycleConfig, observer domain.StateObserver, logger *slog.Logger) *Machine {
	if observer == nil {
		observer = domain.NoopStateObserver{}
	}
	return &Machine{
		operations: make(map[string]*domain.OperationContext),
		observer:   observer,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "state_machine")),
	}
}

// Create registers a new operation in IDLE for the given opportunity
// and returns a snapshot of its context.
func (m *Machine) Create(opportunityID string) domain.OperationContext {
	now := time.Now().UTC()
	op := &domain.OperationContext{
		ID:            uuid.NewString(),
		OpportunityID: opportunityID,
		State:         domain.OperationStateIdle,
		Stage:         domain.ExecutionStagePreparing,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      make(map[string]string),
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	m.logger.Info("operation created",
		slog.String("operation_id", op.ID),
		slog.String("opportunity_id", opportunityID),
	)
	return op.Clone()
}

// Transition moves an operation to target if the table allows it,
// records the transition in both histories, and notifies the observer.
// It returns ErrUnknownOperation for a missing id and
// ErrInvalidTransition for an illegal edge; on failure the state is
// left untouched (the failed attempt is still recorded for audit).
func (m *Machine) Transition(operationID string, target domain.OperationState, trigger string) (domain.OperationContext, error) {
	started := time.Now().UTC()

	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return domain.OperationContext{}, fmt.Errorf("state_machine: transition %s: %w", operationID, domain.ErrUnknownOperation)
	}

	from := op.State
	if !allowed(from, target) {
		tr := domain.StateTransition{
			OperationID: operationID,
			From:        from,
			To:          target,
			Trigger:     trigger,
			At:          started,
			Success:     false,
			Error:       fmt.Sprintf("%s -> %s not allowed", from, target),
			Duration:    time.Since(started),
		}
		op.Transitions = append(op.Transitions, tr)
		m.history = append(m.history, tr)
		m.mu.Unlock()
		return domain.OperationContext{}, fmt.Errorf("state_machine: %s -> %s: %w", from, target, domain.ErrInvalidTransition)
	}

	op.State = target
	op.UpdatedAt = started
	tr := domain.StateTransition{
		OperationID: operationID,
		From:        from,
		To:          target,
		Trigger:     trigger,
		At:          started,
		Success:     true,
		Duration:    time.Since(started),
	}
	op.Transitions = append(op.Transitions, tr)
	m.history = append(m.history, tr)
	snapshot := op.Clone()
	m.mu.Unlock()

	m.logger.Info("state transition",
		slog.String("operation_id", operationID),
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.String("trigger", trigger),
	)

	// Observer runs outside the lock; a slow observer must not stall
	// other transitions.
	m.observer.OnTransition(snapshot, tr)
	return snapshot, nil
}

// SetStage updates the execution-stage marker without a state change.
func (m *Machine) SetStage(operationID string, stage domain.ExecutionStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok {
		return fmt.Errorf("state_machine: set stage %s: %w", operationID, domain.ErrUnknownOperation)
	}
	op.Stage = stage
	op.UpdatedAt = time.Now().UTC()
	return nil
}

// TransitionToRecovery increments the recovery attempt counter, flags
// the operation for manual intervention once the cap is exceeded, and
// performs the RECOVERING transition.
func (m *Machine) TransitionToRecovery(operationID, trigger string) (domain.OperationContext, error) {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return domain.OperationContext{}, fmt.Errorf("state_machine: recovery %s: %w", operationID, domain.ErrUnknownOperation)
	}
	op.RecoveryAttempts++
	exceeded := op.RecoveryAttempts > m.cfg.MaxRecoveryAttempts
	if exceeded {
		op.RequiresManualIntervention = true
	}
	attempts := op.RecoveryAttempts
	m.mu.Unlock()

	if exceeded {
		m.logger.Warn("recovery attempt cap exceeded, manual intervention required",
			slog.String("operation_id", operationID),
			slog.Int("attempts", attempts),
			slog.Int("max", m.cfg.MaxRecoveryAttempts),
		)
	}
	return m.Transition(operationID, domain.OperationStateRecovering, trigger)
}

// CompleteRecovery clears recovery bookkeeping when the recovery
// succeeded and performs the final transition out of RECOVERING.
func (m *Machine) CompleteRecovery(operationID string, target domain.OperationState, success bool) (domain.OperationContext, error) {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return domain.OperationContext{}, fmt.Errorf("state_machine: complete recovery %s: %w", operationID, domain.ErrUnknownOperation)
	}
	if success {
		op.RecoveryAttempts = 0
		op.RequiresManualIntervention = false
	}
	m.mu.Unlock()

	trigger := "recovery_failed"
	if success {
		trigger = "recovery_completed"
	}
	return m.Transition(operationID, target, trigger)
}

// Get returns a snapshot of one operation.
func (m *Machine) Get(operationID string) (domain.OperationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok {
		return domain.OperationContext{}, fmt.Errorf("state_machine: get %s: %w", operationID, domain.ErrUnknownOperation)
	}
	return op.Clone(), nil
}

// Active returns snapshots of every non-terminal operation, ordered by
// creation time.
func (m *Machine) Active() []domain.OperationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.OperationContext
	for _, op := range m.operations {
		if !op.State.Terminal() {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of non-terminal operations.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.operations {
		if !op.State.Terminal() {
			n++
		}
	}
	return n
}

// All returns snapshots of every tracked operation.
func (m *Machine) All() []domain.OperationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.OperationContext, 0, len(m.operations))
	for _, op := range m.operations {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns the most recent limit entries of the global
// transition history (0 means all).
func (m *Machine) History(limit int) []domain.StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]domain.StateTransition, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}

// Cleanup removes terminal operations whose last update is older than
// the configured max age and returns the ids removed.
func (m *Machine) Cleanup(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, op := range m.operations {
		if op.State.Terminal() && now.Sub(op.UpdatedAt) > m.cfg.CleanupMaxAge.Duration {
			delete(m.operations, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.logger.Info("cleaned up terminal operations",
			slog.Int("removed", len(removed)),
			slog.Int("remaining", len(m.operations)),
		)
	}
	return removed
}
