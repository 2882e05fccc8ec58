package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	bodies []string
	fail   bool
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("boom")
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

func testEvent(kind string, level domain.AlertLevel) domain.AlertEvent {
	return domain.AlertEvent{
		Level:       level,
		Kind:        kind,
		OperationID: "op-1",
		Title:       "something happened",
		Detail:      map[string]string{"strategy": "HEDGE_IMMEDIATELY", "loss": "1.25"},
		At:          time.Now().UnixMilli(),
	}
}

func TestNotifierFiltersByKindAndLevel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"approval_required"}, domain.AlertLevelWarning, logger)

	ctx := context.Background()
	if err := n.Notify(ctx, testEvent("state_transition", domain.AlertLevelCritical)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(ctx, testEvent("approval_required", domain.AlertLevelInfo)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("sent = %d, want 0 (kind and level filters)", sender.count())
	}

	if err := n.Notify(ctx, testEvent("approval_required", domain.AlertLevelCritical)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	if !strings.HasPrefix(sender.titles[0], "[CRITICAL]") {
		t.Errorf("title = %q, want [CRITICAL] prefix", sender.titles[0])
	}
	if !strings.Contains(sender.bodies[0], "operation: op-1") {
		t.Errorf("body missing operation id: %q", sender.bodies[0])
	}
	if !strings.Contains(sender.bodies[0], "strategy: HEDGE_IMMEDIATELY") {
		t.Errorf("body missing detail: %q", sender.bodies[0])
	}
}

func TestNotifierContinuesPastFailedSender(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	bad := &recordingSender{name: "bad", fail: true}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, domain.AlertLevelInfo, logger)

	err := n.Notify(context.Background(), testEvent("escalated", domain.AlertLevelCritical))
	if err == nil {
		t.Fatal("expected combined error from failed sender")
	}
	if good.count() != 1 {
		t.Errorf("good sender sent = %d, want 1 despite bad sender failure", good.count())
	}
}

func TestQueueDeliversWithoutBlocking(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, domain.AlertLevelInfo, logger)
	q := NewQueue(n, 4, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		q.Alert(testEvent("state_transition", domain.AlertLevelInfo))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sender.count(); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not stop on cancel")
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	// No worker running: the queue must stay non-blocking anyway.
	q := NewQueue(NewNotifier(nil, nil, domain.AlertLevelInfo, logger), 2, logger)

	for i := 0; i < 10; i++ {
		q.Alert(testEvent("state_transition", domain.AlertLevelInfo))
	}
	// Reaching here without deadlock is the assertion.
}
