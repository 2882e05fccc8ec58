package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

// resultAccumulator collects leg results from dispatch goroutines and
// returns them in plan order regardless of completion order.
type resultAccumulator struct {
	mu      sync.Mutex
	order   map[string]int // instruction id -> plan index
	results map[string]domain.LegResult
}

func newResultAccumulator(instructions []domain.OrderInstruction) *resultAccumulator {
	order := make(map[string]int, len(instructions))
	for i, instr := range instructions {
		order[instr.ID] = i
	}
	return &resultAccumulator{
		order:   order,
		results: make(map[string]domain.LegResult, len(instructions)),
	}
}

func (a *resultAccumulator) add(res domain.LegResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[res.InstructionID] = res
}

// legs returns the collected results sorted by plan position. Legs
// never dispatched (sequential halt) are absent.
func (a *resultAccumulator) legs() []domain.LegResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.LegResult, len(a.order))
	present := make([]bool, len(a.order))
	for id, res := range a.results {
		idx := a.order[id]
		out[idx] = res
		present[idx] = true
	}
	compact := out[:0]
	for i, res := range out {
		if present[i] {
			compact = append(compact, res)
		}
	}
	return compact
}

// awaitFill polls order status until the venue reports a final state
// or the timeout lapses. A still-open order at timeout surfaces as
// ErrOrderTimeout; callers treat it like any other leg failure.
func awaitFill(ctx context.Context, port domain.ExchangePort, symbol, orderID string, poll, timeout time.Duration) (domain.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last domain.OrderResult
	for {
		order, err := port.GetOrderStatus(ctx, symbol, orderID)
		if err == nil {
			last = order
			if order.Status.Final() {
				return order, nil
			}
		}

		if time.Now().After(deadline) {
			return last, fmt.Errorf("order %s unconfirmed after %s: %w", orderID, timeout, domain.ErrOrderTimeout)
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderTimeout)
		case <-ticker.C:
		}
	}
}
