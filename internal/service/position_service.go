package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
)

// PositionService answers position queries from the in-memory ledger,
// with closed-position history served from the persistent store when
// one is configured.
type PositionService struct {
	positions *ledger.PositionLedger
	history   domain.PositionHistoryStore // optional
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. The history store may
// be nil, in which case only open positions are visible.
func NewPositionService(
	positions *ledger.PositionLedger,
	history domain.PositionHistoryStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		history:   history,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Open returns open positions, optionally filtered by exchange.
func (s *PositionService) Open(exchange string) []domain.PositionEntry {
	return s.positions.All(exchange)
}

// ByOpportunity returns the open positions belonging to one opportunity.
func (s *PositionService) ByOpportunity(opportunityID string) []domain.PositionEntry {
	return s.positions.ByOpportunity(opportunityID)
}

// Exposure returns the total notional across open positions, optionally
// filtered by exchange.
func (s *PositionService) Exposure(exchange string) float64 {
	return s.positions.Exposure(exchange)
}

// TotalPnL returns aggregate PnL. With markToMarket set, open positions
// are valued at the venue's present price.
func (s *PositionService) TotalPnL(ctx context.Context, exchange string, markToMarket bool) (float64, error) {
	return s.positions.TotalPnL(ctx, exchange, markToMarket)
}

// History returns persisted position rows, newest first.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	records, err := s.history.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history: %w", err)
	}
	return records, nil
}

// RealizedSince returns the realized PnL accumulated since the given
// time, from the persistent store.
func (s *PositionService) RealizedSince(ctx context.Context, since time.Time) (float64, error) {
	if s.history == nil {
		return 0, nil
	}
	sum, err := s.history.SumRealizedPnL(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("position_service: realized pnl: %w", err)
	}
	return sum, nil
}

// IncompleteGroups returns opportunity groups whose legs did not all
// fill, the raw material for manual reconciliation.
func (s *PositionService) IncompleteGroups() []domain.PositionGroup {
	return s.positions.IncompleteGroups()
}
