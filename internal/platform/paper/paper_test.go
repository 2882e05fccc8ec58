package paper

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

func newTestExchange() *Exchange {
	return New("binance_spot", map[string]float64{"USDT": 50_000}, 10, slog.New(slog.DiscardHandler))
}

func TestMarketOrderFillsAtPostedPrice(t *testing.T) {
	ex := newTestExchange()
	ex.SetPrice("BTCUSDT", 60_000)

	result, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.5,
		ClientID: "op-1-leg-0",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", result.Status)
	}
	if result.AvgFillPrice != 60_000 {
		t.Errorf("fill price = %v, want 60000", result.AvgFillPrice)
	}
	if result.FilledQuantity != 0.5 {
		t.Errorf("filled quantity = %v, want 0.5", result.FilledQuantity)
	}
	// 10 bps taker fee on 30k notional.
	wantFee := 30.0
	if math.Abs(result.Fee-wantFee) > 1e-9 {
		t.Errorf("fee = %v, want %v", result.Fee, wantFee)
	}
	if result.ClientID != "op-1-leg-0" {
		t.Errorf("client id = %q, want op-1-leg-0", result.ClientID)
	}

	got, err := ex.GetOrderStatus(context.Background(), "BTCUSDT", result.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if got.OrderID != result.OrderID || got.Status != domain.OrderStatusFilled {
		t.Errorf("status poll = %+v, want the stored fill", got)
	}
}

func TestLimitOrderFillsAtLimitPrice(t *testing.T) {
	ex := newTestExchange()
	limit := 59_500.0

	result, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeLimit,
		Quantity: 1,
		Price:    &limit,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.AvgFillPrice != limit {
		t.Errorf("fill price = %v, want %v", result.AvgFillPrice, limit)
	}
}

func TestMarketOrderWithoutPriceRejected(t *testing.T) {
	ex := newTestExchange()

	_, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 1,
	})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Errorf("err = %v, want ErrOrderRejected", err)
	}
}

func TestInjectedRejection(t *testing.T) {
	ex := newTestExchange()
	ex.SetPrice("BTCUSDT", 60_000)
	ex.InjectRejection("BTCUSDT", "insufficient margin")

	_, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 1,
	})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}

	ex.ClearFaults()
	if _, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 1,
	}); err != nil {
		t.Errorf("PlaceOrder after ClearFaults: %v", err)
	}
}

func TestInjectedTimeoutHonorsContextDeadline(t *testing.T) {
	ex := newTestExchange()
	ex.SetPrice("BTCUSDT", 60_000)
	ex.InjectTimeout("BTCUSDT", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 1,
	})
	if !errors.Is(err, domain.ErrOrderTimeout) {
		t.Errorf("err = %v, want ErrOrderTimeout", err)
	}
}

func TestCancelFilledOrderReturnsFalse(t *testing.T) {
	ex := newTestExchange()
	ex.SetPrice("BTCUSDT", 60_000)

	result, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 1,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	cancelled, err := ex.CancelOrder(context.Background(), "BTCUSDT", result.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled {
		t.Error("cancelled a filled order")
	}

	if _, err := ex.CancelOrder(context.Background(), "BTCUSDT", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel missing: err = %v, want ErrNotFound", err)
	}
}

func TestBalancesAndPrices(t *testing.T) {
	ex := newTestExchange()
	ex.SetBalance("BTC", 2)
	ex.SetPrice("BTCUSDT", 61_250)

	balances, err := ex.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("GetAccountBalance: %v", err)
	}
	byAsset := make(map[string]float64, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b.Free
	}
	if byAsset["USDT"] != 50_000 || byAsset["BTC"] != 2 {
		t.Errorf("balances = %v, want USDT=50000 BTC=2", byAsset)
	}

	price, err := ex.CurrentPrice(context.Background(), "binance_spot", "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if price != 61_250 {
		t.Errorf("price = %v, want 61250", price)
	}
	if _, err := ex.CurrentPrice(context.Background(), "binance_spot", "XRPUSDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown symbol: err = %v, want ErrNotFound", err)
	}
}
