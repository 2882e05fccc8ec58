package ledger

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
)

// staticPrices is a PriceSource with a fixed quote per symbol.
type staticPrices map[string]float64

func (p staticPrices) CurrentPrice(_ context.Context, _, symbol string) (float64, error) {
	price, ok := p[symbol]
	if !ok {
		return 0, errors.New("no price for " + symbol)
	}
	return price, nil
}

func spotOpportunity() domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:          "opp-1",
		Type:        domain.OpportunityTypeSpotSpot,
		Symbol:      "BTCUSDT",
		BuyExchange: "binance",
		SellExchange: "kraken",
		BuyPrice:    100,
		SellPrice:   101,
		MaxQuantity: 1,
		DetectedAt:  time.Now().UTC(),
	}
}

func newTestPositionLedger(prices domain.PriceSource) *PositionLedger {
	return NewPositionLedger(config.Defaults().Positions, prices, slog.New(slog.DiscardHandler))
}

func TestOpenCloseLongPnL(t *testing.T) {
	l := newTestPositionLedger(nil)

	entry, err := l.Open(OpenParams{
		Opportunity: spotOpportunity(),
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Side:        domain.OrderSideBuy,
		Quantity:    2,
		EntryPrice:  100,
		OrderID:     "ord-1",
		Stage:       domain.ExecutionStageSpotFilled,
		FeesPaid:    0.5,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pnl, err := l.Close(entry.ID, 105, "ord-close")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// (105 - 100) * 2 - 0.5
	if pnl != 9.5 {
		t.Errorf("pnl = %g, want 9.5", pnl)
	}
	if l.OpenCount() != 0 {
		t.Error("position must be removed after close")
	}
}

func TestOpenCloseShortPnL(t *testing.T) {
	l := newTestPositionLedger(nil)

	entry, err := l.Open(OpenParams{
		Opportunity: spotOpportunity(),
		Exchange:    "kraken",
		Symbol:      "BTCUSDT",
		Side:        domain.OrderSideSell,
		Quantity:    3,
		EntryPrice:  101,
		OrderID:     "ord-2",
		Stage:       domain.ExecutionStageFuturesFilled,
		FeesPaid:    1,
	})
	if err != nil {
		t.Fatal(err)
	}

	pnl, err := l.Close(entry.ID, 99, "ord-close")
	if err != nil {
		t.Fatal(err)
	}
	// (101 - 99) * 3 - 1
	if pnl != 5 {
		t.Errorf("pnl = %g, want 5", pnl)
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	l := newTestPositionLedger(nil)
	_, err := l.Close("missing", 100, "")
	if !errors.Is(err, domain.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestGroupCompleteness(t *testing.T) {
	l := newTestPositionLedger(nil)
	opp := spotOpportunity() // spot-spot expects 2 legs

	if _, err := l.Open(OpenParams{Opportunity: opp, Exchange: "binance", Symbol: opp.Symbol, Side: domain.OrderSideBuy, Quantity: 1, EntryPrice: 100, Stage: domain.ExecutionStageSpotFilled}); err != nil {
		t.Fatal(err)
	}

	group, ok := l.Group(opp.ID)
	if !ok {
		t.Fatal("group should exist after first leg")
	}
	if group.Complete {
		t.Error("group must be incomplete with 1 of 2 legs")
	}
	if len(l.IncompleteGroups()) != 1 {
		t.Error("incomplete group should be reported")
	}

	if _, err := l.Open(OpenParams{Opportunity: opp, Exchange: "kraken", Symbol: opp.Symbol, Side: domain.OrderSideSell, Quantity: 1, EntryPrice: 101, Stage: domain.ExecutionStageFuturesFilled}); err != nil {
		t.Fatal(err)
	}

	group, _ = l.Group(opp.ID)
	if !group.Complete {
		t.Error("group must be complete with both legs")
	}
	if len(l.IncompleteGroups()) != 0 {
		t.Error("no incomplete groups expected")
	}
}

func TestExposureNetsOppositeSides(t *testing.T) {
	l := newTestPositionLedger(nil)
	opp := spotOpportunity()

	if _, err := l.Open(OpenParams{Opportunity: opp, Exchange: "binance", Symbol: opp.Symbol, Side: domain.OrderSideBuy, Quantity: 1, EntryPrice: 100, Stage: domain.ExecutionStageSpotFilled}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Open(OpenParams{Opportunity: opp, Exchange: "kraken", Symbol: opp.Symbol, Side: domain.OrderSideSell, Quantity: 1, EntryPrice: 101, Stage: domain.ExecutionStageFuturesFilled}); err != nil {
		t.Fatal(err)
	}

	// +100 (long) - 101 (short)
	if got := l.Exposure(""); got != -1 {
		t.Errorf("net exposure = %g, want -1", got)
	}
	if got := l.Exposure("binance"); got != 100 {
		t.Errorf("binance exposure = %g, want 100", got)
	}
}

func TestTotalPnLMarkToMarket(t *testing.T) {
	prices := staticPrices{"BTCUSDT": 110}
	l := newTestPositionLedger(prices)
	opp := spotOpportunity()

	if _, err := l.Open(OpenParams{Opportunity: opp, Exchange: "binance", Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 2, EntryPrice: 100, Stage: domain.ExecutionStageSpotFilled, FeesPaid: 1}); err != nil {
		t.Fatal(err)
	}

	pnl, err := l.TotalPnL(context.Background(), "", true)
	if err != nil {
		t.Fatal(err)
	}
	// (110 - 100) * 2 - 1
	if pnl != 19 {
		t.Errorf("mtm pnl = %g, want 19", pnl)
	}
}

func TestSweepStaleFlagsButNeverCloses(t *testing.T) {
	cfg := config.Defaults().Positions
	cfg.MaxAge.Duration = time.Minute
	l := NewPositionLedger(cfg, nil, slog.New(slog.DiscardHandler))
	opp := spotOpportunity()

	entry, err := l.Open(OpenParams{Opportunity: opp, Exchange: "binance", Symbol: opp.Symbol, Side: domain.OrderSideBuy, Quantity: 1, EntryPrice: 100, Stage: domain.ExecutionStageSpotFilled})
	if err != nil {
		t.Fatal(err)
	}

	if flagged := l.SweepStale(time.Now().UTC()); len(flagged) != 0 {
		t.Error("fresh position must not be flagged")
	}

	flagged := l.SweepStale(time.Now().UTC().Add(2 * time.Minute))
	if len(flagged) != 1 || flagged[0].ID != entry.ID {
		t.Fatalf("flagged = %v, want the one stale position", flagged)
	}
	if l.OpenCount() != 1 {
		t.Error("stale sweep must not close the position")
	}

	// Already flagged entries are not re-reported.
	if flagged := l.SweepStale(time.Now().UTC().Add(3 * time.Minute)); len(flagged) != 0 {
		t.Error("already-flagged position must not be reported twice")
	}
}

func TestPartialFillTracksRemainder(t *testing.T) {
	l := newTestPositionLedger(nil)
	opp := spotOpportunity()

	entry, err := l.Open(OpenParams{Opportunity: opp, Exchange: "binance", Symbol: opp.Symbol, Side: domain.OrderSideBuy, Quantity: 2, EntryPrice: 100, Stage: domain.ExecutionStageSpotFilled})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.RecordPartialFill(entry.ID, 1.5, 0.5); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.PartialFill || got.Quantity != 1.5 || got.RemainingQuantity != 0.5 {
		t.Errorf("partial fill not recorded: %+v", got)
	}
}
