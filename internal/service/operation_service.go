package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/lifecycle"
)

// OperationService answers operation queries. Live operations come from
// the state machine; terminal operations that have been swept out of
// memory are served from the persistent store when one is configured.
type OperationService struct {
	machine     *lifecycle.Machine
	store       domain.OperationStore  // optional
	transitions domain.TransitionStore // optional
	logger      *slog.Logger
}

// NewOperationService creates an OperationService. Both stores may be
// nil, in which case only in-memory operations are visible.
func NewOperationService(
	machine *lifecycle.Machine,
	store domain.OperationStore,
	transitions domain.TransitionStore,
	logger *slog.Logger,
) *OperationService {
	return &OperationService{
		machine:     machine,
		store:       store,
		transitions: transitions,
		logger:      logger.With(slog.String("component", "operation_service")),
	}
}

// Get returns one operation by id, falling back to the store for
// operations the machine has already cleaned up.
func (s *OperationService) Get(ctx context.Context, id string) (domain.OperationContext, error) {
	op, err := s.machine.Get(id)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, domain.ErrUnknownOperation) || s.store == nil {
		return domain.OperationContext{}, err
	}
	op, err = s.store.GetByID(ctx, id)
	if err != nil {
		return domain.OperationContext{}, fmt.Errorf("operation_service: get %s: %w", id, err)
	}
	return op, nil
}

// List returns operations, optionally filtered by state. The in-memory
// machine is authoritative; when a store is configured its rows are
// appended for ids the machine no longer tracks.
func (s *OperationService) List(ctx context.Context, state domain.OperationState, opts domain.ListOpts) ([]domain.OperationContext, error) {
	live := s.machine.All()
	out := make([]domain.OperationContext, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, op := range live {
		if state != "" && op.State != state {
			continue
		}
		out = append(out, op)
		seen[op.ID] = struct{}{}
	}

	if s.store != nil {
		var (
			stored []domain.OperationContext
			err    error
		)
		if state != "" {
			stored, err = s.store.ListByState(ctx, state, opts)
		} else {
			stored, err = s.store.List(ctx, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("operation_service: list: %w", err)
		}
		for _, op := range stored {
			if _, ok := seen[op.ID]; ok {
				continue
			}
			out = append(out, op)
		}
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// History returns the transition log for one operation.
func (s *OperationService) History(ctx context.Context, operationID string) ([]domain.StateTransition, error) {
	op, err := s.machine.Get(operationID)
	if err == nil {
		return op.Transitions, nil
	}
	if s.transitions == nil {
		return nil, err
	}
	trs, err := s.transitions.ListByOperation(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("operation_service: history %s: %w", operationID, err)
	}
	return trs, nil
}

// Recent returns the most recent transitions across all operations.
func (s *OperationService) Recent(limit int) []domain.StateTransition {
	return s.machine.History(limit)
}
