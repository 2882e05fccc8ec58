package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OperationStore persists operation contexts for audit and the
// read-only API. The state machine remains authoritative for live
// operations; store writes are write-behind.
type OperationStore interface {
	Upsert(ctx context.Context, op OperationContext) error
	GetByID(ctx context.Context, id string) (OperationContext, error)
	List(ctx context.Context, opts ListOpts) ([]OperationContext, error)
	ListByState(ctx context.Context, state OperationState, opts ListOpts) ([]OperationContext, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]OperationContext, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// TransitionStore persists the global transition history.
type TransitionStore interface {
	Append(ctx context.Context, tr StateTransition) error
	ListByOperation(ctx context.Context, operationID string) ([]StateTransition, error)
	ListRecent(ctx context.Context, limit int) ([]StateTransition, error)
	DeleteByOperation(ctx context.Context, operationID string) error
}

// PositionHistoryStore persists opened and closed legs.
type PositionHistoryStore interface {
	RecordOpen(ctx context.Context, pos PositionEntry) error
	RecordClose(ctx context.Context, positionID string, closePrice, realized float64, closeOrderID string, closedAt time.Time) error
	GetByID(ctx context.Context, id string) (PositionRecord, error)
	ListByOpportunity(ctx context.Context, opportunityID string) ([]PositionRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]PositionRecord, error)
	SumRealizedPnL(ctx context.Context, since time.Time) (float64, error)
}

// RecoveryStore persists recovery contexts.
type RecoveryStore interface {
	Upsert(ctx context.Context, rc RecoveryContext) error
	GetByID(ctx context.Context, id string) (RecoveryContext, error)
	ListActive(ctx context.Context) ([]RecoveryContext, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]RecoveryContext, error)
	DeleteByOperation(ctx context.Context, operationID string) error
}
