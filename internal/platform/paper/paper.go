// Package paper implements the exchange trading and price ports as a
// deterministic in-memory simulation. It backs dry-run mode and the
// test suite; fills are immediate unless a failure or delay has been
// injected for a symbol.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/arbot/internal/domain"
)

// Exchange is a simulated venue. It fills market orders at the posted
// book price, tracks balances, and supports fault injection so tests
// can drive the partial-failure paths.
type Exchange struct {
	name        string
	takerFeeBps float64

	mu       sync.Mutex
	balances map[string]float64
	prices   map[string]float64
	orders   map[string]domain.OrderResult

	rejectSymbols  map[string]string        // symbol -> rejection message
	timeoutSymbols map[string]time.Duration // symbol -> injected delay

	logger *slog.Logger
}

// New creates a paper exchange with the given starting balances.
func New(name string, balances map[string]float64, takerFeeBps float64, logger *slog.Logger) *Exchange {
	b := make(map[string]float64, len(balances))
	for asset, amount := range balances {
		b[asset] = amount
	}
	return &Exchange{
		name:           name,
		takerFeeBps:    takerFeeBps,
		balances:       b,
		prices:         make(map[string]float64),
		orders:         make(map[string]domain.OrderResult),
		rejectSymbols:  make(map[string]string),
		timeoutSymbols: make(map[string]time.Duration),
		logger:         logger.With(slog.String("component", "paper"), slog.String("exchange", name)),
	}
}

func (e *Exchange) Name() string { return e.name }

// SetPrice posts the current price for a symbol. Market orders fill at
// this price; CurrentPrice returns it.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// SetBalance overrides one asset balance.
func (e *Exchange) SetBalance(asset string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = amount
}

// InjectRejection makes every subsequent order for symbol fail with
// ErrOrderRejected carrying the given message.
func (e *Exchange) InjectRejection(symbol, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectSymbols[symbol] = message
}

// InjectTimeout delays orders for symbol by d; if the caller's context
// deadline expires first the order fails with ErrOrderTimeout.
func (e *Exchange) InjectTimeout(symbol string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeoutSymbols[symbol] = d
}

// ClearFaults removes all injected failures.
func (e *Exchange) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectSymbols = make(map[string]string)
	e.timeoutSymbols = make(map[string]time.Duration)
}

// PlaceOrder fills a market order at the posted price, or a limit order
// at its limit price. Injected faults surface as the same typed errors
// a live adapter returns.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	e.mu.Lock()
	delay, delayed := e.timeoutSymbols[req.Symbol]
	rejectMsg, rejected := e.rejectSymbols[req.Symbol]
	e.mu.Unlock()

	if delayed {
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, fmt.Errorf("paper: %s order %s: %w", e.name, req.Symbol, domain.ErrOrderTimeout)
		case <-time.After(delay):
		}
	}
	if rejected {
		return domain.OrderResult{}, fmt.Errorf("paper: %s order %s: %s: %w", e.name, req.Symbol, rejectMsg, domain.ErrOrderRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fillPrice := 0.0
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Price == nil {
			return domain.OrderResult{}, fmt.Errorf("paper: %s order %s: limit order without price: %w", e.name, req.Symbol, domain.ErrOrderRejected)
		}
		fillPrice = *req.Price
	default:
		price, ok := e.prices[req.Symbol]
		if !ok {
			return domain.OrderResult{}, fmt.Errorf("paper: %s order %s: no market price posted: %w", e.name, req.Symbol, domain.ErrOrderRejected)
		}
		fillPrice = price
	}

	now := time.Now().UTC()
	fee := fillPrice * req.Quantity * e.takerFeeBps / 10_000
	result := domain.OrderResult{
		OrderID:        uuid.NewString(),
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   fillPrice,
		Fee:            fee,
		FeeAsset:       "USDT",
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	e.orders[result.OrderID] = result

	e.logger.Debug("paper fill",
		slog.String("order_id", result.OrderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("price", fillPrice),
		slog.Float64("quantity", req.Quantity),
	)
	return result, nil
}

// GetOrderStatus returns the stored result for an order id.
func (e *Exchange) GetOrderStatus(_ context.Context, _, orderID string) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, ok := e.orders[orderID]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: %s order %s: %w", e.name, orderID, domain.ErrNotFound)
	}
	return result, nil
}

// CancelOrder marks an open order cancelled. Filled orders cannot be
// cancelled.
func (e *Exchange) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, ok := e.orders[orderID]
	if !ok {
		return false, fmt.Errorf("paper: %s cancel %s: %w", e.name, orderID, domain.ErrNotFound)
	}
	if result.Status.Final() {
		return false, nil
	}
	result.Status = domain.OrderStatusCancelled
	result.UpdatedAt = time.Now().UTC()
	e.orders[orderID] = result
	return true, nil
}

// GetAccountBalance returns the simulated balances.
func (e *Exchange) GetAccountBalance(context.Context) ([]domain.AssetBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.AssetBalance, 0, len(e.balances))
	for asset, amount := range e.balances {
		out = append(out, domain.AssetBalance{Asset: asset, Free: amount})
	}
	return out, nil
}

// CurrentPrice implements domain.PriceSource for the simulated venue.
func (e *Exchange) CurrentPrice(_ context.Context, _, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: %s price %s: %w", e.name, symbol, domain.ErrNotFound)
	}
	return price, nil
}

var (
	_ domain.ExchangePort = (*Exchange)(nil)
	_ domain.PriceSource  = (*Exchange)(nil)
)
