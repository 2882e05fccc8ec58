package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/executor"
	"github.com/quantfold/arbot/internal/ledger"
)

// executeStrategy dispatches to the strategy implementation. Manual
// strategies reach this point only after operator approval and fall
// back to a conservative unwind.
func (c *Coordinator) executeStrategy(ctx context.Context, rc *domain.RecoveryContext, strategy domain.RecoveryStrategy, p InitiateParams) error {
	switch strategy {
	case domain.RecoveryStrategyHedgeImmediately:
		return c.hedgeImmediately(ctx, rc, p)
	case domain.RecoveryStrategyCompleteExecution:
		return c.completeExecution(ctx, rc, p)
	case domain.RecoveryStrategyWaitAndRetry:
		return c.waitAndRetry(ctx, rc, p)
	case domain.RecoveryStrategyUnwindPositions,
		domain.RecoveryStrategyManualIntervention,
		domain.RecoveryStrategyEmergencyLiquidation:
		return c.unwindPositions(ctx, rc)
	default:
		return fmt.Errorf("recovery: unknown strategy %q", strategy)
	}
}

// hedgeImmediately closes the unhedged risk left by a partial fill: it
// places the plan's missing legs as market orders at the present
// price. Without plan context it offsets each unhedged position on its
// own venue instead.
func (c *Coordinator) hedgeImmediately(ctx context.Context, rc *domain.RecoveryContext, p InitiateParams) error {
	missing := executor.Remaining(p.Plan, p.Report)
	if len(missing) == 0 {
		for _, pos := range rc.AffectedPositions {
			if pos.IsHedge {
				continue
			}
			missing = append(missing, domain.OrderInstruction{
				ID:       "offset-" + pos.ID,
				Exchange: pos.Exchange,
				Symbol:   pos.Symbol,
				Side:     pos.Side.Opposite(),
				Quantity: pos.Quantity,
				IsHedge:  true,
			})
		}
	}
	if len(missing) == 0 {
		return fmt.Errorf("recovery: hedge immediately: no missing leg to place")
	}

	for _, instr := range missing {
		// Market order: the hedge fills at whatever the venue quotes
		// now, not at the plan's stale price.
		instr.Type = domain.OrderTypeMarket
		instr.Price = nil
		if _, err := c.placeAndRecord(ctx, rc, instr, p.Opportunity); err != nil {
			return fmt.Errorf("recovery: hedge leg on %s: %w", instr.Exchange, err)
		}
	}
	return nil
}

// completeExecution retries the originally-planned remaining legs at
// their planned prices.
func (c *Coordinator) completeExecution(ctx context.Context, rc *domain.RecoveryContext, p InitiateParams) error {
	missing := executor.Remaining(p.Plan, p.Report)
	if len(missing) == 0 {
		return fmt.Errorf("recovery: complete execution: no unfilled leg in plan %s", p.Plan.ID)
	}
	for _, instr := range missing {
		if _, err := c.placeAndRecord(ctx, rc, instr, p.Opportunity); err != nil {
			return fmt.Errorf("recovery: completing leg on %s: %w", instr.Exchange, err)
		}
	}
	return nil
}

// waitAndRetry backs off exponentially and retries the original plan,
// escalating once the attempt cap is exceeded.
func (c *Coordinator) waitAndRetry(ctx context.Context, rc *domain.RecoveryContext, p InitiateParams) error {
	var lastErr error
	for {
		c.mu.Lock()
		if rc.Attempts >= rc.MaxAttempts {
			rc.Strategy = domain.RecoveryStrategyManualIntervention
			c.appendAction(rc, fmt.Sprintf("attempt cap %d reached, escalating to manual intervention", rc.MaxAttempts), "", lastErr)
			c.mu.Unlock()
			return fmt.Errorf("recovery: %d retry attempts failed: %w", rc.MaxAttempts, domain.ErrRecoveryExhausted)
		}
		rc.Attempts++
		attempt := rc.Attempts
		c.mu.Unlock()

		delay := Backoff(attempt, c.cfg.BackoffCapSec)
		c.logger.InfoContext(ctx, "retry backoff",
			slog.String("recovery_id", rc.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		lastErr = c.completeExecution(ctx, rc, p)
		if lastErr == nil {
			return nil
		}
		c.mu.Lock()
		c.appendAction(rc, fmt.Sprintf("retry attempt %d failed", attempt), "", lastErr)
		c.mu.Unlock()
	}
}

// unwindPositions issues a closing market order for every affected
// position still live in the ledger. Any close that cannot be
// confirmed fails the recovery.
func (c *Coordinator) unwindPositions(ctx context.Context, rc *domain.RecoveryContext) error {
	closed := 0
	for _, snapshot := range rc.AffectedPositions {
		pos, err := c.positions.Get(snapshot.ID)
		if err != nil {
			// Already closed elsewhere; nothing to compensate.
			c.mu.Lock()
			c.appendAction(rc, "position "+snapshot.ID+" already gone, skipping", "", nil)
			c.mu.Unlock()
			continue
		}

		port, ok := c.registry.Port(pos.Exchange)
		if !ok {
			return fmt.Errorf("recovery: unwind %s: no port for %s: %w", pos.ID, pos.Exchange, domain.ErrExchangeUnavailable)
		}
		order, err := c.confirmOrder(ctx, port, domain.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     pos.Side.Opposite(),
			Type:     domain.OrderTypeMarket,
			Quantity: pos.Quantity,
			ClientID: "unwind-" + pos.ID,
		})
		if err != nil {
			c.mu.Lock()
			c.appendAction(rc, "closing order for position "+pos.ID+" failed", "", err)
			c.mu.Unlock()
			return fmt.Errorf("recovery: unwind %s: %w", pos.ID, err)
		}

		realized, err := c.positions.Close(pos.ID, order.AvgFillPrice, order.OrderID)
		if err != nil {
			return fmt.Errorf("recovery: unwind %s: %w", pos.ID, err)
		}
		closed++
		c.mu.Lock()
		c.appendAction(rc, fmt.Sprintf("closed position %s, realized %.4f", pos.ID, realized), order.OrderID, nil)
		if closed < len(rc.AffectedPositions) {
			c.setStatusLocked(rc, domain.RecoveryStatusPartiallyComplete)
		}
		c.mu.Unlock()
	}
	return nil
}

// placeAndRecord submits one compensating order, waits for its fill,
// and records the resulting position.
func (c *Coordinator) placeAndRecord(ctx context.Context, rc *domain.RecoveryContext, instr domain.OrderInstruction, opp domain.ArbitrageOpportunity) (domain.PositionEntry, error) {
	port, ok := c.registry.Port(instr.Exchange)
	if !ok {
		return domain.PositionEntry{}, fmt.Errorf("no port for %s: %w", instr.Exchange, domain.ErrExchangeUnavailable)
	}

	order, err := c.confirmOrder(ctx, port, domain.OrderRequest{
		Symbol:      instr.Symbol,
		Side:        instr.Side,
		Type:        instr.Type,
		Quantity:    instr.Quantity,
		Price:       instr.Price,
		TimeInForce: domain.TimeInForceGTC,
		ClientID:    rc.ID + ":" + instr.ID,
	})
	if err != nil {
		c.mu.Lock()
		c.appendAction(rc, "compensating order on "+instr.Exchange+" failed", "", err)
		c.mu.Unlock()
		return domain.PositionEntry{}, err
	}

	stage := domain.ExecutionStageSpotFilled
	if instr.IsHedge {
		stage = domain.ExecutionStageFuturesFilled
	}
	entry, err := c.positions.Open(ledger.OpenParams{
		Opportunity: opp,
		Exchange:    instr.Exchange,
		Symbol:      instr.Symbol,
		Side:        instr.Side,
		Quantity:    order.FilledQuantity,
		EntryPrice:  order.AvgFillPrice,
		OrderID:     order.OrderID,
		Stage:       stage,
		FeesPaid:    order.Fee,
		IsHedge:     instr.IsHedge,
		HedgeRatio:  instr.HedgeRatio,
	})
	if err != nil {
		return domain.PositionEntry{}, err
	}

	c.mu.Lock()
	c.appendAction(rc, fmt.Sprintf("placed %s %s %.6f on %s", instr.Side, instr.Symbol, order.FilledQuantity, instr.Exchange), order.OrderID, nil)
	c.mu.Unlock()
	return entry, nil
}

// confirmOrder places an order and polls until the venue reports a
// final state or the recovery context expires. An unconfirmed order is
// a recovery failure, not a hang.
func (c *Coordinator) confirmOrder(ctx context.Context, port domain.ExchangePort, req domain.OrderRequest) (domain.OrderResult, error) {
	order, err := port.PlaceOrder(ctx, req)
	if err != nil {
		return domain.OrderResult{}, err
	}
	for !order.Status.Final() {
		select {
		case <-ctx.Done():
			return order, fmt.Errorf("order %s unconfirmed: %w", order.OrderID, domain.ErrOrderTimeout)
		case <-time.After(200 * time.Millisecond):
		}
		refreshed, err := port.GetOrderStatus(ctx, req.Symbol, order.OrderID)
		if err != nil {
			continue
		}
		order = refreshed
	}
	if !order.Filled() {
		return order, fmt.Errorf("order %s ended %s: %w", order.OrderID, order.Status, domain.ErrOrderRejected)
	}
	return order, nil
}
