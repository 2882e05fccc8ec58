package domain

import "time"

// PositionEntry is one filled exchange leg held by the position ledger.
type PositionEntry struct {
	ID                string
	OpportunityID     string
	Exchange          string
	Symbol            string
	Side              OrderSide
	Quantity          float64
	EntryPrice        float64
	OrderID           string
	FilledAt          time.Time
	Stage             ExecutionStage
	FeesPaid          float64
	IsHedge           bool
	HedgeRatio        float64
	PartialFill       bool
	RemainingQuantity float64
	RecoveryAttempts  int
	Stale             bool // set by the stale sweep, never cleared automatically
}

// Notional returns the absolute position value at entry price.
func (p PositionEntry) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// SignedQuantity returns quantity with sign by direction (buys positive).
func (p PositionEntry) SignedQuantity() float64 {
	if p.Side == OrderSideSell {
		return -p.Quantity
	}
	return p.Quantity
}

// RealizedPnL computes the profit of closing this entry at closePrice,
// net of entry fees. Long legs profit when price rises, short legs when
// it falls.
func (p PositionEntry) RealizedPnL(closePrice float64) float64 {
	if p.Side == OrderSideSell {
		return (p.EntryPrice-closePrice)*p.Quantity - p.FeesPaid
	}
	return (closePrice-p.EntryPrice)*p.Quantity - p.FeesPaid
}

// UnrealizedPnL is mark-to-market profit at the given current price.
func (p PositionEntry) UnrealizedPnL(currentPrice float64) float64 {
	if p.Side == OrderSideSell {
		return (p.EntryPrice - currentPrice) * p.Quantity
	}
	return (currentPrice - p.EntryPrice) * p.Quantity
}

// PositionGroup collects the legs of one arbitrage operation, keyed by
// opportunity id.
type PositionGroup struct {
	ID            string
	OpportunityID string
	PositionIDs   []string
	ExpectedLegs  int
	Complete      bool
	NetExposure   float64 // sum of signed notionals across live legs
	HedgeRatio    float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PositionRecord is a persisted position row, including close-out
// fields once the leg has been settled.
type PositionRecord struct {
	PositionEntry
	ClosePrice   *float64
	RealizedPnL  *float64
	CloseOrderID string
	ClosedAt     *time.Time
}
