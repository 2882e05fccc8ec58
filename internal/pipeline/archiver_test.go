package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

type fakeArchiver struct {
	batches []int64
	calls   int
	cutoffs []time.Time
}

func (f *fakeArchiver) ArchiveOperations(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	if f.calls >= len(f.batches) {
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func TestRunDrainsUntilEmpty(t *testing.T) {
	fake := &fakeArchiver{batches: []int64{500, 500, 120}}
	a := NewArchiver(fake, 30, slog.New(slog.DiscardHandler))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Three non-empty passes plus the final empty one.
	if len(fake.cutoffs) != 4 {
		t.Errorf("archive passes = %d, want 4", len(fake.cutoffs))
	}
	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if diff := fake.cutoffs[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", fake.cutoffs[0], want)
	}
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 3 * * *", time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)},
		{"* * * * *", time.Date(2026, 8, 24, 14, 31, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"15,45 * * * *", time.Date(2026, 8, 24, 14, 45, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := nextCronTime(tc.expr, base)
		if err != nil {
			t.Fatalf("nextCronTime(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("nextCronTime(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestNextCronTimeRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "0 3 * *", "x * * * *"} {
		if _, err := nextCronTime(expr, time.Now().UTC()); err == nil {
			t.Errorf("nextCronTime(%q): expected error", expr)
		}
	}
}
