package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/arbot/internal/domain"
)

// OperationStore implements domain.OperationStore using PostgreSQL.
// Transition logs and metadata are stored as JSONB alongside the flat
// columns the queries filter on.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates a new OperationStore backed by the given
// connection pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

const operationSelectCols = `id, opportunity_id, state, stage, recovery_attempts,
	requires_manual, transitions, metadata, created_at, updated_at`

func scanOperationRow(row pgx.Row) (domain.OperationContext, error) {
	var (
		op              domain.OperationContext
		state, stage    string
		transitionsJSON []byte
		metadataJSON    []byte
	)
	err := row.Scan(
		&op.ID, &op.OpportunityID, &state, &stage, &op.RecoveryAttempts,
		&op.RequiresManualIntervention, &transitionsJSON, &metadataJSON,
		&op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return domain.OperationContext{}, err
	}
	op.State = domain.OperationState(state)
	op.Stage = domain.ExecutionStage(stage)
	if err := json.Unmarshal(transitionsJSON, &op.Transitions); err != nil {
		return domain.OperationContext{}, fmt.Errorf("decode transitions: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &op.Metadata); err != nil {
		return domain.OperationContext{}, fmt.Errorf("decode metadata: %w", err)
	}
	return op, nil
}

// Upsert inserts or replaces the stored row for one operation.
func (s *OperationStore) Upsert(ctx context.Context, op domain.OperationContext) error {
	transitionsJSON, err := json.Marshal(op.Transitions)
	if err != nil {
		return fmt.Errorf("postgres: encode transitions for %s: %w", op.ID, err)
	}
	metadata := op.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres: encode metadata for %s: %w", op.ID, err)
	}

	const query = `
		INSERT INTO operations (
			id, opportunity_id, state, stage, recovery_attempts,
			requires_manual, transitions, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state             = EXCLUDED.state,
			stage             = EXCLUDED.stage,
			recovery_attempts = EXCLUDED.recovery_attempts,
			requires_manual   = EXCLUDED.requires_manual,
			transitions       = EXCLUDED.transitions,
			metadata          = EXCLUDED.metadata,
			updated_at        = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		op.ID, op.OpportunityID, string(op.State), string(op.Stage), op.RecoveryAttempts,
		op.RequiresManualIntervention, transitionsJSON, metadataJSON,
		op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert operation %s: %w", op.ID, err)
	}
	return nil
}

// GetByID retrieves a single operation by its ID.
func (s *OperationStore) GetByID(ctx context.Context, id string) (domain.OperationContext, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+operationSelectCols+` FROM operations WHERE id = $1`, id)

	op, err := scanOperationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OperationContext{}, domain.ErrNotFound
		}
		return domain.OperationContext{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	return op, nil
}

// List returns operations with pagination and optional time filtering,
// newest first.
func (s *OperationStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.OperationContext, error) {
	return s.list(ctx, "", opts)
}

// ListByState returns operations in the given state.
func (s *OperationStore) ListByState(ctx context.Context, state domain.OperationState, opts domain.ListOpts) ([]domain.OperationContext, error) {
	return s.list(ctx, string(state), opts)
}

func (s *OperationStore) list(ctx context.Context, state string, opts domain.ListOpts) ([]domain.OperationContext, error) {
	query := `SELECT ` + operationSelectCols + ` FROM operations WHERE 1=1`
	var args []any
	argIdx := 1

	if state != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, state)
		argIdx++
	}
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
		return nil, fmt.Errorf("postgres: list operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.OperationContext
	for rows.Next() {
		op, err := scanOperationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListTerminalBefore returns terminal operations whose last update is
// older than the cutoff, oldest first. The archiver drains these.
func (s *OperationStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OperationContext, error) {
	const query = `
		SELECT ` + operationSelectCols + ` FROM operations
		WHERE state IN ('COMPLETED', 'FAILED') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.OperationContext
	for rows.Next() {
		op, err := scanOperationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan terminal operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Delete removes one operation row.
func (s *OperationStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the number of stored operations.
func (s *OperationStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count operations: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.OperationStore = (*OperationStore)(nil)
