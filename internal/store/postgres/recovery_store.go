package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/arbot/internal/domain"
)

// RecoveryStore implements domain.RecoveryStore using PostgreSQL. The
// affected-position snapshot and action log live in JSONB columns.
type RecoveryStore struct {
	pool *pgxpool.Pool
}

// NewRecoveryStore creates a new RecoveryStore backed by the given
// connection pool.
func NewRecoveryStore(pool *pgxpool.Pool) *RecoveryStore {
	return &RecoveryStore{pool: pool}
}

const recoverySelectCols = `id, operation_id, opportunity_id, failure_reason, failure_stage,
	strategy, status, attempts, max_attempts, estimated_loss, requires_manual_approval,
	affected_positions, actions, metadata, created_at, updated_at`

func scanRecoveryRow(row pgx.Row) (domain.RecoveryContext, error) {
	var (
		rc                         domain.RecoveryContext
		stage, strategy, status    string
		positionsJSON, actionsJSON []byte
		metadataJSON               []byte
	)
	err := row.Scan(
		&rc.ID, &rc.OperationID, &rc.OpportunityID, &rc.FailureReason, &stage,
		&strategy, &status, &rc.Attempts, &rc.MaxAttempts, &rc.EstimatedLoss,
		&rc.RequiresManualApproval,
		&positionsJSON, &actionsJSON, &metadataJSON,
		&rc.CreatedAt, &rc.UpdatedAt,
	)
	if err != nil {
		return domain.RecoveryContext{}, err
	}
	rc.FailureStage = domain.ExecutionStage(stage)
	rc.Strategy = domain.RecoveryStrategy(strategy)
	rc.Status = domain.RecoveryStatus(status)
	if err := json.Unmarshal(positionsJSON, &rc.AffectedPositions); err != nil {
		return domain.RecoveryContext{}, fmt.Errorf("decode affected positions: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &rc.Actions); err != nil {
		return domain.RecoveryContext{}, fmt.Errorf("decode actions: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &rc.Metadata); err != nil {
		return domain.RecoveryContext{}, fmt.Errorf("decode metadata: %w", err)
	}
	return rc, nil
}

// Upsert inserts or replaces the stored row for one recovery.
func (s *RecoveryStore) Upsert(ctx context.Context, rc domain.RecoveryContext) error {
	positionsJSON, err := json.Marshal(rc.AffectedPositions)
	if err != nil {
		return fmt.Errorf("postgres: encode affected positions for %s: %w", rc.ID, err)
	}
	actionsJSON, err := json.Marshal(rc.Actions)
	if err != nil {
		return fmt.Errorf("postgres: encode actions for %s: %w", rc.ID, err)
	}
	metadata := rc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres: encode metadata for %s: %w", rc.ID, err)
	}

	const query = `
		INSERT INTO recoveries (
			id, operation_id, opportunity_id, failure_reason, failure_stage,
			strategy, status, attempts, max_attempts, estimated_loss,
			requires_manual_approval, affected_positions, actions, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			strategy                 = EXCLUDED.strategy,
			status                   = EXCLUDED.status,
			attempts                 = EXCLUDED.attempts,
			estimated_loss           = EXCLUDED.estimated_loss,
			requires_manual_approval = EXCLUDED.requires_manual_approval,
			affected_positions       = EXCLUDED.affected_positions,
			actions                  = EXCLUDED.actions,
			metadata                 = EXCLUDED.metadata,
			updated_at               = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		rc.ID, rc.OperationID, rc.OpportunityID, rc.FailureReason, string(rc.FailureStage),
		string(rc.Strategy), string(rc.Status), rc.Attempts, rc.MaxAttempts, rc.EstimatedLoss,
		rc.RequiresManualApproval, positionsJSON, actionsJSON, metadataJSON,
		rc.CreatedAt, rc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert recovery %s: %w", rc.ID, err)
	}
	return nil
}

// GetByID retrieves a single recovery by its ID.
func (s *RecoveryStore) GetByID(ctx context.Context, id string) (domain.RecoveryContext, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recoverySelectCols+` FROM recoveries WHERE id = $1`, id)

	rc, err := scanRecoveryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RecoveryContext{}, domain.ErrNotFound
		}
		return domain.RecoveryContext{}, fmt.Errorf("postgres: get recovery %s: %w", id, err)
	}
	return rc, nil
}

// ListActive returns recoveries that have not reached a terminal status.
func (s *RecoveryStore) ListActive(ctx context.Context) ([]domain.RecoveryContext, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recoverySelectCols+` FROM recoveries
		 WHERE status IN ('INITIATED', 'IN_PROGRESS', 'PARTIALLY_COMPLETE')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active recoveries: %w", err)
	}
	defer rows.Close()

	return scanRecoveryRows(rows)
}

// ListRecent returns recoveries with pagination, newest first.
func (s *RecoveryStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.RecoveryContext, error) {
	query := `SELECT ` + recoverySelectCols + ` FROM recoveries WHERE 1=1`
	var args []any
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY updated_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent recoveries: %w", err)
	}
	defer rows.Close()

	return scanRecoveryRows(rows)
}

func scanRecoveryRows(rows pgx.Rows) ([]domain.RecoveryContext, error) {
	var rcs []domain.RecoveryContext
	for rows.Next() {
		rc, err := scanRecoveryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan recovery: %w", err)
		}
		rcs = append(rcs, rc)
	}
	return rcs, rows.Err()
}

// DeleteByOperation removes the recovery rows of one operation. The
// archiver calls this after snapshotting to blob storage.
func (s *RecoveryStore) DeleteByOperation(ctx context.Context, operationID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM recoveries WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("postgres: delete recoveries for %s: %w", operationID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RecoveryStore = (*RecoveryStore)(nil)
