package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
)

// PositionLedger is the single source of truth for what the system
// currently holds. Every filled leg is recorded here, grouped per
// opportunity; exposure and P&L queries read through it, never through
// a separate cache.
type PositionLedger struct {
	mu         sync.Mutex
	positions  map[string]domain.PositionEntry
	byExchange map[string]map[string]struct{}
	bySymbol   map[string]map[string]struct{}
	groups     map[string]*domain.PositionGroup // keyed by opportunity id

	prices  domain.PriceSource
	history domain.PositionHistoryStore // optional write-behind store
	cfg     config.PositionsConfig
	logger  *slog.Logger
}

// NewPositionLedger creates a PositionLedger. The price source is used
// only for mark-to-market queries and is consulted fresh on each call.
func NewPositionLedger(cfg config.PositionsConfig, prices domain.PriceSource, logger *slog.Logger) *PositionLedger {
	return &PositionLedger{
		positions:  make(map[string]domain.PositionEntry),
		byExchange: make(map[string]map[string]struct{}),
		bySymbol:   make(map[string]map[string]struct{}),
		groups:     make(map[string]*domain.PositionGroup),
		prices:     prices,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "position_ledger")),
	}
}

// SetHistory attaches a write-behind history store. Opens and closes
// are mirrored to it best-effort; a store failure never affects the
// in-memory ledger.
func (l *PositionLedger) SetHistory(history domain.PositionHistoryStore) {
	l.history = history
}

// record mirrors one write to the history store off the caller's path.
func (l *PositionLedger) record(write func(ctx context.Context) error, what, positionID string) {
	if l.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := write(ctx); err != nil {
			l.logger.Warn("position history write failed",
				slog.String("position_id", positionID),
				slog.String("write", what),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// OpenParams carries everything needed to record a new filled leg.
type OpenParams struct {
	Opportunity domain.ArbitrageOpportunity
	Exchange    string
	Symbol      string
	Side        domain.OrderSide
	Quantity    float64
	EntryPrice  float64
	OrderID     string
	Stage       domain.ExecutionStage
	FeesPaid    float64
	IsHedge     bool
	HedgeRatio  float64
}

// Open records a filled leg, indexes it, and attaches it to the
// opportunity's position group, creating the group on first use.
func (l *PositionLedger) Open(p OpenParams) (domain.PositionEntry, error) {
	if p.Quantity <= 0 {
		return domain.PositionEntry{}, fmt.Errorf("position_ledger: open: quantity must be positive, got %g", p.Quantity)
	}

	now := time.Now().UTC()
	entry := domain.PositionEntry{
		ID:            uuid.NewString(),
		OpportunityID: p.Opportunity.ID,
		Exchange:      p.Exchange,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		OrderID:       p.OrderID,
		FilledAt:      now,
		Stage:         p.Stage,
		FeesPaid:      p.FeesPaid,
		IsHedge:       p.IsHedge,
		HedgeRatio:    p.HedgeRatio,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions[entry.ID] = entry
	addIndex(l.byExchange, p.Exchange, entry.ID)
	addIndex(l.bySymbol, p.Symbol, entry.ID)

	group, ok := l.groups[p.Opportunity.ID]
	if !ok {
		group = &domain.PositionGroup{
			ID:            "grp-" + p.Opportunity.ID,
			OpportunityID: p.Opportunity.ID,
			ExpectedLegs:  p.Opportunity.LegCount(),
			HedgeRatio:    hedgeRatio(p.Opportunity),
			CreatedAt:     now,
		}
		l.groups[p.Opportunity.ID] = group
	}
	group.PositionIDs = append(group.PositionIDs, entry.ID)
	group.UpdatedAt = now
	l.refreshGroupLocked(group)

	l.logger.Info("position opened",
		slog.String("position_id", entry.ID),
		slog.String("opportunity_id", p.Opportunity.ID),
		slog.String("exchange", p.Exchange),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Float64("quantity", p.Quantity),
		slog.Float64("entry_price", p.EntryPrice),
		slog.Bool("is_hedge", p.IsHedge),
		slog.Bool("group_complete", group.Complete),
	)
	l.record(func(ctx context.Context) error {
		return l.history.RecordOpen(ctx, entry)
	}, "open", entry.ID)
	return entry, nil
}

// RecordPartialFill updates a position after the venue reported a
// partial fill, tracking the still-unfilled remainder.
func (l *PositionLedger) RecordPartialFill(positionID string, filledQuantity, remaining float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.positions[positionID]
	if !ok {
		return fmt.Errorf("position_ledger: partial fill %s: %w", positionID, domain.ErrPositionNotFound)
	}
	entry.Quantity = filledQuantity
	entry.PartialFill = remaining > 0
	entry.RemainingQuantity = remaining
	l.positions[positionID] = entry

	if group, ok := l.groups[entry.OpportunityID]; ok {
		group.UpdatedAt = time.Now().UTC()
		l.refreshGroupLocked(group)
	}
	return nil
}

// Close settles a position at closePrice, removes it from all indexes,
// updates the owning group, and returns the realized P&L net of entry
// fees. Long legs earn (close-entry)*qty, short legs the mirror.
func (l *PositionLedger) Close(positionID string, closePrice float64, closeOrderID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("position_ledger: close %s: %w", positionID, domain.ErrPositionNotFound)
	}

	realized := entry.RealizedPnL(closePrice)

	delete(l.positions, positionID)
	removeIndex(l.byExchange, entry.Exchange, positionID)
	removeIndex(l.bySymbol, entry.Symbol, positionID)

	if group, ok := l.groups[entry.OpportunityID]; ok {
		group.PositionIDs = without(group.PositionIDs, positionID)
		group.UpdatedAt = time.Now().UTC()
		if len(group.PositionIDs) == 0 {
			delete(l.groups, entry.OpportunityID)
		} else {
			l.refreshGroupLocked(group)
		}
	}

	l.logger.Info("position closed",
		slog.String("position_id", positionID),
		slog.String("opportunity_id", entry.OpportunityID),
		slog.String("close_order_id", closeOrderID),
		slog.Float64("close_price", closePrice),
		slog.Float64("realized_pnl", realized),
	)
	l.record(func(ctx context.Context) error {
		return l.history.RecordClose(ctx, positionID, closePrice, realized, closeOrderID, time.Now().UTC())
	}, "close", positionID)
	return realized, nil
}

// Get returns a snapshot of one live position.
func (l *PositionLedger) Get(positionID string) (domain.PositionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.positions[positionID]
	if !ok {
		return domain.PositionEntry{}, fmt.Errorf("position_ledger: get %s: %w", positionID, domain.ErrPositionNotFound)
	}
	return entry, nil
}

// Group returns a snapshot of the position group for an opportunity,
// or false when no leg has been recorded for it.
func (l *PositionLedger) Group(opportunityID string) (domain.PositionGroup, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	group, ok := l.groups[opportunityID]
	if !ok {
		return domain.PositionGroup{}, false
	}
	out := *group
	out.PositionIDs = append([]string(nil), group.PositionIDs...)
	return out, true
}

// ByOpportunity returns snapshots of every live leg of one opportunity,
// ordered by fill time.
func (l *PositionLedger) ByOpportunity(opportunityID string) []domain.PositionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	group, ok := l.groups[opportunityID]
	if !ok {
		return nil
	}
	out := make([]domain.PositionEntry, 0, len(group.PositionIDs))
	for _, id := range group.PositionIDs {
		if entry, ok := l.positions[id]; ok {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilledAt.Before(out[j].FilledAt) })
	return out
}

// All returns snapshots of every live position, optionally filtered by
// exchange ("" means all).
func (l *PositionLedger) All(exchange string) []domain.PositionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filteredLocked(exchange)
}

// OpenCount returns the number of live positions.
func (l *PositionLedger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Exposure sums signed notional over live positions, optionally
// filtered by exchange. Buys add, sells subtract.
func (l *PositionLedger) Exposure(exchange string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0.0
	for _, entry := range l.filteredLocked(exchange) {
		total += entry.SignedQuantity() * entry.EntryPrice
	}
	return total
}

// TotalPnL aggregates P&L over live positions, optionally filtered by
// exchange. When markToMarket is set, each symbol's present price is
// fetched fresh from the price source; without it the result is zero
// for untouched entries (entry-priced book).
func (l *PositionLedger) TotalPnL(ctx context.Context, exchange string, markToMarket bool) (float64, error) {
	l.mu.Lock()
	entries := l.filteredLocked(exchange)
	l.mu.Unlock()

	if !markToMarket {
		total := 0.0
		for _, entry := range entries {
			total -= entry.FeesPaid
		}
		return total, nil
	}

	// Price fetches happen outside the lock; they are exchange I/O.
	total := 0.0
	for _, entry := range entries {
		price, err := l.prices.CurrentPrice(ctx, entry.Exchange, entry.Symbol)
		if err != nil {
			return 0, fmt.Errorf("position_ledger: mark %s on %s: %w", entry.Symbol, entry.Exchange, err)
		}
		total += entry.UnrealizedPnL(price) - entry.FeesPaid
	}
	return total, nil
}

// SweepStale flags positions older than the configured max age and
// returns snapshots of the newly flagged ones. Staleness only surfaces
// a signal; it never closes a position.
func (l *PositionLedger) SweepStale(now time.Time) []domain.PositionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var flagged []domain.PositionEntry
	for id, entry := range l.positions {
		if entry.Stale || now.Sub(entry.FilledAt) < l.cfg.MaxAge.Duration {
			continue
		}
		entry.Stale = true
		l.positions[id] = entry
		flagged = append(flagged, entry)
	}
	if len(flagged) > 0 {
		l.logger.Warn("stale positions detected",
			slog.Int("count", len(flagged)),
			slog.Duration("max_age", l.cfg.MaxAge.Duration),
		)
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].FilledAt.Before(flagged[j].FilledAt) })
	return flagged
}

// IncompleteGroups returns snapshots of groups still missing legs,
// recovery candidates once their execution window has lapsed.
func (l *PositionLedger) IncompleteGroups() []domain.PositionGroup {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.PositionGroup
	for _, group := range l.groups {
		if group.Complete {
			continue
		}
		g := *group
		g.PositionIDs = append([]string(nil), group.PositionIDs...)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *PositionLedger) filteredLocked(exchange string) []domain.PositionEntry {
	var out []domain.PositionEntry
	if exchange == "" {
		out = make([]domain.PositionEntry, 0, len(l.positions))
		for _, entry := range l.positions {
			out = append(out, entry)
		}
	} else {
		for id := range l.byExchange[exchange] {
			if entry, ok := l.positions[id]; ok {
				out = append(out, entry)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilledAt.Before(out[j].FilledAt) })
	return out
}

// refreshGroupLocked recomputes completeness and net exposure from the
// group's live members.
func (l *PositionLedger) refreshGroupLocked(group *domain.PositionGroup) {
	live := 0
	exposure := 0.0
	for _, id := range group.PositionIDs {
		entry, ok := l.positions[id]
		if !ok {
			continue
		}
		live++
		exposure += entry.SignedQuantity() * entry.EntryPrice
	}
	group.Complete = live >= group.ExpectedLegs
	group.NetExposure = exposure
}

func hedgeRatio(opp domain.ArbitrageOpportunity) float64 {
	if opp.Futures != nil {
		return opp.Futures.HedgeRatio
	}
	return 0
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if ids := idx[key]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx, key)
		}
	}
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
