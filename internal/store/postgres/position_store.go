package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/arbot/internal/domain"
)

// PositionStore implements domain.PositionHistoryStore using PostgreSQL.
// Open legs are inserted on fill and completed in place when closed.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, opportunity_id, exchange, symbol, side, quantity,
	entry_price, order_id, filled_at, stage, fees_paid, is_hedge, hedge_ratio,
	partial_fill, remaining_quantity, recovery_attempts, stale,
	close_price, realized_pnl, close_order_id, closed_at`

func scanPositionRow(row pgx.Row) (domain.PositionRecord, error) {
	var (
		rec         domain.PositionRecord
		side, stage string
	)
	err := row.Scan(
		&rec.ID, &rec.OpportunityID, &rec.Exchange, &rec.Symbol, &side, &rec.Quantity,
		&rec.EntryPrice, &rec.OrderID, &rec.FilledAt, &stage, &rec.FeesPaid,
		&rec.IsHedge, &rec.HedgeRatio, &rec.PartialFill, &rec.RemainingQuantity,
		&rec.RecoveryAttempts, &rec.Stale,
		&rec.ClosePrice, &rec.RealizedPnL, &rec.CloseOrderID, &rec.ClosedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.Side = domain.OrderSide(side)
	rec.Stage = domain.ExecutionStage(stage)
	return rec, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.PositionRecord, error) {
	var records []domain.PositionRecord
	for rows.Next() {
		rec, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordOpen inserts a newly filled leg.
func (s *PositionStore) RecordOpen(ctx context.Context, pos domain.PositionEntry) error {
	const query = `
		INSERT INTO positions (
			id, opportunity_id, exchange, symbol, side, quantity,
			entry_price, order_id, filled_at, stage, fees_paid, is_hedge,
			hedge_ratio, partial_fill, remaining_quantity, recovery_attempts,
			stale, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity           = EXCLUDED.quantity,
			partial_fill       = EXCLUDED.partial_fill,
			remaining_quantity = EXCLUDED.remaining_quantity,
			recovery_attempts  = EXCLUDED.recovery_attempts,
			stale              = EXCLUDED.stale,
			updated_at         = NOW()`

	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.OpportunityID, pos.Exchange, pos.Symbol, string(pos.Side), pos.Quantity,
		pos.EntryPrice, pos.OrderID, pos.FilledAt, string(pos.Stage), pos.FeesPaid, pos.IsHedge,
		pos.HedgeRatio, pos.PartialFill, pos.RemainingQuantity, pos.RecoveryAttempts,
		pos.Stale,
	)
	if err != nil {
		return fmt.Errorf("postgres: record open position %s: %w", pos.ID, err)
	}
	return nil
}

// RecordClose completes a leg with its close-out fields.
func (s *PositionStore) RecordClose(ctx context.Context, positionID string, closePrice, realized float64, closeOrderID string, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			close_price    = $2,
			realized_pnl   = $3,
			close_order_id = $4,
			closed_at      = $5,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, positionID, closePrice, realized, closeOrderID, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: record close %s: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

// GetByID retrieves a single position row by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	rec, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, domain.ErrPositionNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return rec, nil
}

// ListByOpportunity returns all legs of one opportunity.
func (s *PositionStore) ListByOpportunity(ctx context.Context, opportunityID string) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE opportunity_id = $1
		 ORDER BY filled_at ASC`, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", opportunityID, err)
	}
	defer rows.Close()

	records, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", opportunityID, err)
	}
	return records, nil
}

// ListRecent returns position rows with pagination and optional time
// filtering, newest first.
func (s *PositionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	var args []any
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND filled_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND filled_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY filled_at DESC"

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
		return nil, fmt.Errorf("postgres: list recent positions: %w", err)
	}
	defer rows.Close()

	records, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent positions: %w", err)
	}
	return records, nil
}

// SumRealizedPnL returns the realized PnL accumulated since the given
// time across closed legs.
func (s *PositionStore) SumRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE closed_at IS NOT NULL AND closed_at >= $1`, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum, nil
}

// Compile-time interface check.
var _ domain.PositionHistoryStore = (*PositionStore)(nil)
