package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
)

// fixedBalance is a BalanceFetcher that always reports the same free
// balance, standing in for a fresh venue read.
func fixedBalance(amount float64) BalanceFetcher {
	return BalanceFetcherFunc(func(context.Context, string, string) (float64, error) {
		return amount, nil
	})
}

func newTestBalanceLedger(t *testing.T, fetcher BalanceFetcher) *BalanceLedger {
	t.Helper()
	cfg := config.Defaults().Ledger
	return NewBalanceLedger(cfg, fetcher, slog.New(slog.DiscardHandler))
}

func TestReserveWithinBalance(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(1000))

	id, err := l.Reserve(context.Background(), "binance", "USDT", 400, "op-1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty reservation id")
	}

	avail, err := l.AvailableBalance(context.Background(), "binance", "USDT", false)
	if err != nil {
		t.Fatalf("AvailableBalance: %v", err)
	}
	if avail != 600 {
		t.Errorf("available = %g, want 600", avail)
	}
}

func TestReserveInsufficientBalance(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(100))

	if _, err := l.Reserve(context.Background(), "binance", "USDT", 80, "op-1", time.Minute); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err := l.Reserve(context.Background(), "binance", "USDT", 30, "op-2", time.Minute)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// The failed attempt must not leave a reservation behind.
	if got := l.ActiveCount(); got != 1 {
		t.Errorf("active reservations = %d, want 1", got)
	}
}

func TestReservePairsAreIndependent(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(100))

	if _, err := l.Reserve(context.Background(), "binance", "USDT", 100, "op-1", time.Minute); err != nil {
		t.Fatalf("Reserve binance: %v", err)
	}
	// A different exchange sees its own fresh balance.
	if _, err := l.Reserve(context.Background(), "kraken", "USDT", 100, "op-1", time.Minute); err != nil {
		t.Fatalf("Reserve kraken: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(100))

	id, err := l.Reserve(context.Background(), "binance", "USDT", 50, "op-1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if !l.Release(id) {
		t.Error("first Release should report removal")
	}
	if l.Release(id) {
		t.Error("second Release must be a no-op")
	}
	if l.Release("no-such-id") {
		t.Error("releasing an unknown id must be a no-op")
	}
}

func TestReleaseForOperation(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(1000))

	ctx := context.Background()
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reserve(ctx, "kraken", "BTC", 1, "op-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-2", time.Minute); err != nil {
		t.Fatal(err)
	}

	if released := l.ReleaseForOperation("op-1"); released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
	if got := l.ActiveCount(); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(1000))

	ctx := context.Background()
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-1", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-2", time.Hour); err != nil {
		t.Fatal(err)
	}

	removed := l.Sweep(time.Now().UTC().Add(time.Second))
	if removed != 1 {
		t.Errorf("swept = %d, want 1", removed)
	}
	if got := l.ActiveCount(); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestExpiredReservationFreesBalanceBeforeSweep(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(100))

	ctx := context.Background()
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-1", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	// The expired claim no longer counts even though the sweep has not run.
	if _, err := l.Reserve(ctx, "binance", "USDT", 100, "op-2", time.Minute); err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
}

func TestCheckSufficientAppliesSafetyMargin(t *testing.T) {
	l := newTestBalanceLedger(t, fixedBalance(105))

	ok, err := l.CheckSufficient(context.Background(), "binance", "USDT", 100, 1.05)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("105 available should cover 100 * 1.05")
	}

	ok, err = l.CheckSufficient(context.Background(), "binance", "USDT", 101, 1.05)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("105 available must not cover 101 * 1.05")
	}
}

// Concurrently over-subscribing a pair must admit exactly the prefix
// that fits; the reservation sum never exceeds the observed balance.
func TestConcurrentReservationsNeverOversubscribe(t *testing.T) {
	const balance = 500.0
	l := newTestBalanceLedger(t, fixedBalance(balance))

	const n = 20
	const each = 100.0

	var wg sync.WaitGroup
	successes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(op int) {
			defer wg.Done()
			id, err := l.Reserve(context.Background(), "binance", "USDT", each, "op", time.Minute)
			if err == nil {
				successes <- id
			} else if !errors.Is(err, domain.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	granted := 0
	for range successes {
		granted++
	}
	if granted != 5 {
		t.Errorf("granted = %d, want exactly 5 (500 / 100)", granted)
	}
}

// Property: for any sequence of reservation requests against one pair,
// the sum of granted amounts never exceeds the fetched balance, and
// every rejection is ErrInsufficientBalance.
func TestPropertyReservationSumBoundedByBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("sum(granted) <= balance", prop.ForAll(
		func(balance float64, amounts []float64) bool {
			l := newTestBalanceLedger(t, fixedBalance(balance))

			granted := 0.0
			for _, amount := range amounts {
				_, err := l.Reserve(context.Background(), "x", "USDT", amount, "op", time.Minute)
				switch {
				case err == nil:
					granted += amount
				case errors.Is(err, domain.ErrInsufficientBalance):
				default:
					return false
				}
			}
			return granted <= balance+1e-6
		},
		gen.Float64Range(1, 10_000),
		gen.SliceOf(gen.Float64Range(0.01, 2_000)),
	))

	properties.Property("release restores the full amount", prop.ForAll(
		func(balance, amount float64) bool {
			if amount > balance {
				amount = balance
			}
			l := newTestBalanceLedger(t, fixedBalance(balance))

			id, err := l.Reserve(context.Background(), "x", "USDT", amount, "op", time.Minute)
			if err != nil {
				return false
			}
			l.Release(id)

			avail, err := l.AvailableBalance(context.Background(), "x", "USDT", false)
			return err == nil && avail == balance
		},
		gen.Float64Range(1, 10_000),
		gen.Float64Range(0.01, 10_000),
	))

	properties.TestingRun(t)
}
