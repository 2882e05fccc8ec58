package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/arbot/internal/domain"
)

// TransitionStore implements domain.TransitionStore using PostgreSQL.
type TransitionStore struct {
	pool *pgxpool.Pool
}

// NewTransitionStore creates a new TransitionStore backed by the given
// connection pool.
func NewTransitionStore(pool *pgxpool.Pool) *TransitionStore {
	return &TransitionStore{pool: pool}
}

const transitionSelectCols = `operation_id, from_state, to_state, trigger, at, success, error, duration_us`

func scanTransitionRows(rows pgx.Rows) ([]domain.StateTransition, error) {
	var trs []domain.StateTransition
	for rows.Next() {
		var (
			tr         domain.StateTransition
			from, to   string
			durationUs int64
		)
		if err := rows.Scan(
			&tr.OperationID, &from, &to, &tr.Trigger, &tr.At,
			&tr.Success, &tr.Error, &durationUs,
		); err != nil {
			return nil, err
		}
		tr.From = domain.OperationState(from)
		tr.To = domain.OperationState(to)
		tr.Duration = time.Duration(durationUs) * time.Microsecond
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

// Append records one transition.
func (s *TransitionStore) Append(ctx context.Context, tr domain.StateTransition) error {
	const query = `
		INSERT INTO transitions (
			operation_id, from_state, to_state, trigger, at, success, error, duration_us
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		tr.OperationID, string(tr.From), string(tr.To), tr.Trigger,
		tr.At, tr.Success, tr.Error, tr.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append transition for %s: %w", tr.OperationID, err)
	}
	return nil
}

// ListByOperation returns all transitions of one operation in order.
func (s *TransitionStore) ListByOperation(ctx context.Context, operationID string) ([]domain.StateTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionSelectCols+` FROM transitions
		 WHERE operation_id = $1
		 ORDER BY at ASC, id ASC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions for %s: %w", operationID, err)
	}
	defer rows.Close()

	trs, err := scanTransitionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transitions for %s: %w", operationID, err)
	}
	return trs, nil
}

// ListRecent returns the most recent transitions across all operations,
// newest first.
func (s *TransitionStore) ListRecent(ctx context.Context, limit int) ([]domain.StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionSelectCols+` FROM transitions
		 ORDER BY at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent transitions: %w", err)
	}
	defer rows.Close()

	trs, err := scanTransitionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent transitions: %w", err)
	}
	return trs, nil
}

// DeleteByOperation removes the transition log of one operation. The
// archiver calls this after snapshotting to blob storage.
func (s *TransitionStore) DeleteByOperation(ctx context.Context, operationID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM transitions WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("postgres: delete transitions for %s: %w", operationID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TransitionStore = (*TransitionStore)(nil)
