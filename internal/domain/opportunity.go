package domain

import (
	"errors"
	"time"
)

// OpportunityType classifies the shape of an arbitrage opportunity.
type OpportunityType string

const (
	OpportunityTypeSpotSpot         OpportunityType = "SPOT_SPOT"
	OpportunityTypeSpotFuturesHedge OpportunityType = "SPOT_FUTURES_HEDGE"
	OpportunityTypeTriangular       OpportunityType = "TRIANGULAR"
	OpportunityTypeFundingRate      OpportunityType = "FUNDING_RATE"
)

// FuturesLeg describes the optional hedge leg of a spot+futures opportunity.
type FuturesLeg struct {
	Exchange   string
	Symbol     string
	HedgeRatio float64 // hedge quantity = spot quantity * ratio
	Price      float64
}

// RequiredBalance states the funds one leg needs on one exchange.
type RequiredBalance struct {
	Exchange string
	Asset    string
	Amount   float64
}

// ArbitrageOpportunity is produced by an external detector and consumed
// exactly once to build an execution plan. It is never mutated.
type ArbitrageOpportunity struct {
	ID               string
	Type             OpportunityType
	Symbol           string
	BuyExchange      string
	SellExchange     string
	BuyPrice         float64
	SellPrice        float64
	MaxQuantity      float64
	EstProfitUSD     float64
	MarginBps        float64
	ExecutionWindow  time.Duration
	RequiredBalances []RequiredBalance
	DetectedAt       time.Time
	DepthApproved    bool
	BalanceApproved  bool
	RiskApproved     bool
	Futures          *FuturesLeg // set only for SPOT_FUTURES_HEDGE
}

// ExpiresAt returns the end of the execution window.
func (o ArbitrageOpportunity) ExpiresAt() time.Time {
	return o.DetectedAt.Add(o.ExecutionWindow)
}

// Expired reports whether the execution window has passed.
func (o ArbitrageOpportunity) Expired(now time.Time) bool {
	return o.ExecutionWindow > 0 && now.After(o.ExpiresAt())
}

// Validate checks the fields every downstream consumer relies on.
func (o ArbitrageOpportunity) Validate() error {
	switch {
	case o.ID == "":
		return errors.New("opportunity: missing id")
	case o.Symbol == "":
		return errors.New("opportunity: missing symbol")
	case o.BuyExchange == "" || o.SellExchange == "":
		return errors.New("opportunity: missing exchange")
	case o.BuyPrice <= 0 || o.SellPrice <= 0:
		return errors.New("opportunity: non-positive price")
	case o.MaxQuantity <= 0:
		return errors.New("opportunity: non-positive quantity")
	}
	if o.Type == OpportunityTypeSpotFuturesHedge && o.Futures == nil {
		return errors.New("opportunity: spot+futures hedge without futures leg")
	}
	return nil
}

// LegCount returns how many filled legs a complete operation of this
// type is expected to produce.
func (o ArbitrageOpportunity) LegCount() int {
	switch o.Type {
	case OpportunityTypeTriangular:
		return 3
	default:
		return 2
	}
}
