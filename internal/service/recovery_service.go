package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/recovery"
)

// RecoveryService exposes recovery inspection and the manual approval
// surface to the HTTP API.
type RecoveryService struct {
	recoveries *recovery.Coordinator
	store      domain.RecoveryStore // optional
	logger     *slog.Logger
}

// NewRecoveryService creates a RecoveryService. The store may be nil.
func NewRecoveryService(
	recoveries *recovery.Coordinator,
	store domain.RecoveryStore,
	logger *slog.Logger,
) *RecoveryService {
	return &RecoveryService{
		recoveries: recoveries,
		store:      store,
		logger:     logger.With(slog.String("component", "recovery_service")),
	}
}

// Get returns one recovery by id, falling back to the store.
func (s *RecoveryService) Get(ctx context.Context, id string) (domain.RecoveryContext, error) {
	rc, err := s.recoveries.Get(id)
	if err == nil {
		return rc, nil
	}
	if s.store == nil {
		return domain.RecoveryContext{}, err
	}
	rc, err = s.store.GetByID(ctx, id)
	if err != nil {
		return domain.RecoveryContext{}, fmt.Errorf("recovery_service: get %s: %w", id, err)
	}
	return rc, nil
}

// List returns all recoveries the coordinator currently tracks.
func (s *RecoveryService) List() []domain.RecoveryContext {
	return s.recoveries.List()
}

// Approve releases an approval-gated recovery for execution.
func (s *RecoveryService) Approve(ctx context.Context, id string) error {
	if err := s.recoveries.ApproveByID(ctx, id); err != nil {
		return fmt.Errorf("recovery_service: approve %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "recovery approved", slog.String("recovery_id", id))
	return nil
}

// Cancel abandons a pending or in-progress recovery.
func (s *RecoveryService) Cancel(ctx context.Context, id, reason string) error {
	if err := s.recoveries.Cancel(id, reason); err != nil {
		return fmt.Errorf("recovery_service: cancel %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "recovery cancelled",
		slog.String("recovery_id", id),
		slog.String("reason", reason),
	)
	return nil
}
