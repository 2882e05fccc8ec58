// Package ledger implements the in-memory balance-reservation and
// position ledgers. Both components guard their tables with a single
// mutex each; callers never hold two component locks at once.
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

// BalanceFetcher returns the present free balance of one asset on one
// exchange. Implementations must hit the venue on every call; the
// ledger never trades on a cached balance.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context, exchange, asset string) (float64, error)
}

// BalanceFetcherFunc adapts a function to the BalanceFetcher interface.
type BalanceFetcherFunc func(ctx context.Context, exchange, asset string) (float64, error)

func (f BalanceFetcherFunc) FetchBalance(ctx context.Context, exchange, asset string) (float64, error) {
	return f(ctx, exchange, asset)
}

type pairKey struct {
	exchange string
	asset    string
}

// BalanceLedger is the single arbiter of "is this money already
// claimed". It tracks time-bounded reservations on top of caller-fresh
// balance reads; no component may commit funds without reserving here
// first.
type BalanceLedger struct {
	mu           sync.Mutex
	reservations map[string]domain.BalanceReservation
	byPair       map[pairKey]map[string]struct{}
	byOperation  map[string]map[string]struct{}

	fetcher BalanceFetcher
	cfg     config.LedgerConfig
	logger  *slog.Logger
}

// NewBalanceLedger creates a BalanceLedger. The fetcher supplies fresh
// exchange balances for reservation checks.
func NewBalanceLedger(cfg config.LedgerConfig, fetcher BalanceFetcher, logger *slog.Logger) *BalanceLedger {
	return &BalanceLedger{
		reservations: make(map[string]domain.BalanceReservation),
		byPair:       make(map[pairKey]map[string]struct{}),
		byOperation:  make(map[string]map[string]struct{}),
		fetcher:      fetcher,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "balance_ledger")),
	}
}

// Reserve claims amount of asset on exchange for operationID. It
// refreshes the venue balance, subtracts all active reservations for
// the (exchange, asset) pair, and fails with ErrInsufficientBalance if
// the remainder cannot cover the request. A ttl of zero uses the
// configured default.
func (l *BalanceLedger) Reserve(ctx context.Context, exchange, asset string, amount float64, operationID string, ttl time.Duration) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("balance_ledger: reserve: amount must be positive, got %g", amount)
	}
	if ttl <= 0 {
		ttl = l.cfg.ReservationTTL.Duration
	}

	// Balance refresh happens outside the table lock; exchange I/O must
	// never serialize unrelated ledger calls.
	fresh, err := l.fetcher.FetchBalance(ctx, exchange, asset)
	if err != nil {
		return "", fmt.Errorf("balance_ledger: refresh %s/%s: %w", exchange, asset, err)
	}

	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := l.reservedLocked(exchange, asset, now)
	available := fresh - reserved
	if available+l.cfg.Epsilon < amount {
		return "", fmt.Errorf("balance_ledger: %s/%s need %g, available %g (reserved %g): %w",
			exchange, asset, amount, available, reserved, domain.ErrInsufficientBalance)
	}

	res := domain.BalanceReservation{
		ID:          uuid.NewString(),
		Exchange:    exchange,
		Asset:       asset,
		Amount:      amount,
		OperationID: operationID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	l.reservations[res.ID] = res
	l.index(byPairKey(exchange, asset), l.byPair, res.ID)
	l.indexOp(operationID, res.ID)

	l.logger.DebugContext(ctx, "balance_ledger: reserved",
		slog.String("reservation_id", res.ID),
		slog.String("operation_id", operationID),
		slog.String("exchange", exchange),
		slog.String("asset", asset),
		slog.Float64("amount", amount),
		slog.Float64("remaining", available-amount),
	)
	return res.ID, nil
}

// Release removes a reservation. Releasing an unknown or already
// released id is a no-op; the return value reports whether anything
// was removed.
func (l *BalanceLedger) Release(reservationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(reservationID)
}

// ReleaseForOperation removes every reservation held by operationID
// and returns the count removed.
func (l *BalanceLedger) ReleaseForOperation(operationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.byOperation[operationID]
	released := 0
	for id := range ids {
		if l.releaseLocked(id) {
			released++
		}
	}
	return released
}

// AvailableBalance returns the freshly fetched balance minus active
// reservations, or the raw fetched balance when includeReserved is
// true.
func (l *BalanceLedger) AvailableBalance(ctx context.Context, exchange, asset string, includeReserved bool) (float64, error) {
	fresh, err := l.fetcher.FetchBalance(ctx, exchange, asset)
	if err != nil {
		return 0, fmt.Errorf("balance_ledger: refresh %s/%s: %w", exchange, asset, err)
	}
	if includeReserved {
		return fresh, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return fresh - l.reservedLocked(exchange, asset, time.Now().UTC()), nil
}

// CheckSufficient reports whether the available balance covers amount
// scaled by safetyMargin. A margin of zero uses the configured
// default.
func (l *BalanceLedger) CheckSufficient(ctx context.Context, exchange, asset string, amount, safetyMargin float64) (bool, error) {
	if safetyMargin <= 0 {
		safetyMargin = l.cfg.SafetyMargin
	}
	available, err := l.AvailableBalance(ctx, exchange, asset, false)
	if err != nil {
		return false, err
	}
	return available+l.cfg.Epsilon >= amount*safetyMargin, nil
}

// ReservationsForOperation returns a snapshot of the active
// reservations held by operationID.
func (l *BalanceLedger) ReservationsForOperation(operationID string) []domain.BalanceReservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.BalanceReservation, 0, len(l.byOperation[operationID]))
	for id := range l.byOperation[operationID] {
		if res, ok := l.reservations[id]; ok {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveReservations returns a snapshot of every live reservation.
func (l *BalanceLedger) ActiveReservations() []domain.BalanceReservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.BalanceReservation, 0, len(l.reservations))
	for _, res := range l.reservations {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of live reservations.
func (l *BalanceLedger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// Sweep purges reservations past their expiry and returns the count
// removed. It is called from the coordinator's maintenance tick.
func (l *BalanceLedger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, res := range l.reservations {
		if res.Expired(now) {
			l.releaseLocked(id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("balance_ledger: swept expired reservations",
			slog.Int("removed", removed),
			slog.Int("remaining", len(l.reservations)),
		)
	}
	return removed
}

// reservedLocked sums the live reservations for one pair. Expired but
// not yet swept reservations do not count against the balance.
func (l *BalanceLedger) reservedLocked(exchange, asset string, now time.Time) float64 {
	sum := 0.0
	for id := range l.byPair[byPairKey(exchange, asset)] {
		res, ok := l.reservations[id]
		if !ok || res.Expired(now) {
			continue
		}
		sum += res.Amount
	}
	return sum
}

func (l *BalanceLedger) releaseLocked(reservationID string) bool {
	res, ok := l.reservations[reservationID]
	if !ok {
		return false
	}
	delete(l.reservations, reservationID)

	pk := byPairKey(res.Exchange, res.Asset)
	if ids := l.byPair[pk]; ids != nil {
		delete(ids, reservationID)
		if len(ids) == 0 {
			delete(l.byPair, pk)
		}
	}
	if ids := l.byOperation[res.OperationID]; ids != nil {
		delete(ids, reservationID)
		if len(ids) == 0 {
			delete(l.byOperation, res.OperationID)
		}
	}
	return true
}

func (l *BalanceLedger) index(key pairKey, idx map[pairKey]map[string]struct{}, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func (l *BalanceLedger) indexOp(operationID, id string) {
	if l.byOperation[operationID] == nil {
		l.byOperation[operationID] = make(map[string]struct{})
	}
	l.byOperation[operationID][id] = struct{}{}
}

func byPairKey(exchange, asset string) pairKey {
	return pairKey{exchange: exchange, asset: asset}
}
