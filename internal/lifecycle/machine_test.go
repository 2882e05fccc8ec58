package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
)

// recordingObserver captures transition notifications.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []domain.StateTransition
}

func (o *recordingObserver) OnTransition(_ domain.OperationContext, tr domain.StateTransition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, tr)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transitions)
}

func newTestMachine(observer domain.StateObserver) *Machine {
	return New(config.Defaults().Lifecycle, observer, slog.New(slog.DiscardHandler))
}

// every state paired with every state, expected legality per the
// transition table.
var transitionTable = map[domain.OperationState][]domain.OperationState{
	domain.OperationStateIdle:             {domain.OperationStateDetecting, domain.OperationStateFailed},
	domain.OperationStateDetecting:        {domain.OperationStateOpportunityFound, domain.OperationStateIdle, domain.OperationStateFailed, domain.OperationStateRecovering},
	domain.OperationStateOpportunityFound: {domain.OperationStateExecuting, domain.OperationStateDetecting, domain.OperationStateIdle, domain.OperationStateFailed, domain.OperationStateRecovering},
	domain.OperationStateExecuting:        {domain.OperationStatePositionOpen, domain.OperationStateCompleted, domain.OperationStateFailed, domain.OperationStateRecovering},
	domain.OperationStatePositionOpen:     {domain.OperationStateExecuting, domain.OperationStateCompleted, domain.OperationStateFailed, domain.OperationStateRecovering},
	domain.OperationStateRecovering:       {domain.OperationStateIdle, domain.OperationStateDetecting, domain.OperationStateExecuting, domain.OperationStateCompleted, domain.OperationStateFailed},
	domain.OperationStateCompleted:        {domain.OperationStateIdle},
	domain.OperationStateFailed:           {domain.OperationStateIdle, domain.OperationStateRecovering},
}

var allStates = []domain.OperationState{
	domain.OperationStateIdle,
	domain.OperationStateDetecting,
	domain.OperationStateOpportunityFound,
	domain.OperationStateExecuting,
	domain.OperationStatePositionOpen,
	domain.OperationStateRecovering,
	domain.OperationStateCompleted,
	domain.OperationStateFailed,
}

func TestTransitionTableExhaustive(t *testing.T) {
	for from, targets := range transitionTable {
		legal := make(map[domain.OperationState]bool, len(targets))
		for _, to := range targets {
			legal[to] = true
		}
		for _, to := range allStates {
			if allowed(from, to) != legal[to] {
				t.Errorf("allowed(%s, %s) = %v, want %v", from, to, allowed(from, to), legal[to])
			}
		}
	}
}

func TestTransitionUpdatesStateAndHistory(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestMachine(obs)

	op := m.Create("opp-1")
	if op.State != domain.OperationStateIdle {
		t.Fatalf("initial state = %s, want IDLE", op.State)
	}

	got, err := m.Transition(op.ID, domain.OperationStateDetecting, "detector_started")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.State != domain.OperationStateDetecting {
		t.Errorf("state = %s, want DETECTING", got.State)
	}
	if len(got.Transitions) != 1 || got.Transitions[0].Trigger != "detector_started" {
		t.Errorf("transitions = %+v", got.Transitions)
	}
	if obs.count() != 1 {
		t.Errorf("observer notified %d times, want 1", obs.count())
	}
	if len(m.History(0)) != 1 {
		t.Error("global history should record the transition")
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := newTestMachine(nil)
	op := m.Create("opp-1")

	_, err := m.Transition(op.ID, domain.OperationStateCompleted, "bad")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := m.Get(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.OperationStateIdle {
		t.Errorf("state = %s, want IDLE unchanged", got.State)
	}
	// Failed attempts are still recorded for audit.
	if len(got.Transitions) != 1 || got.Transitions[0].Success {
		t.Errorf("expected one failed transition record, got %+v", got.Transitions)
	}
}

func TestUnknownOperation(t *testing.T) {
	m := newTestMachine(nil)
	_, err := m.Transition("missing", domain.OperationStateDetecting, "x")
	if !errors.Is(err, domain.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	m := newTestMachine(nil)
	op := m.Create("opp-1")
	if _, err := m.Transition(op.ID, domain.OperationStateDetecting, "start"); err != nil {
		t.Fatal(err)
	}

	// DETECTING admits OPPORTUNITY_FOUND once; after the winner moves
	// the state, the same edge is no longer legal for the losers.
	const n = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Transition(op.ID, domain.OperationStateOpportunityFound, "race"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestRecoveryAttemptCap(t *testing.T) {
	cfg := config.Defaults().Lifecycle
	cfg.MaxRecoveryAttempts = 2
	m := New(cfg, nil, slog.New(slog.DiscardHandler))

	op := m.Create("opp-1")
	mustTransition(t, m, op.ID, domain.OperationStateDetecting)
	mustTransition(t, m, op.ID, domain.OperationStateOpportunityFound)
	mustTransition(t, m, op.ID, domain.OperationStateExecuting)

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := m.TransitionToRecovery(op.ID, "leg_failed")
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if got.RecoveryAttempts != attempt {
			t.Errorf("attempt %d: counter = %d", attempt, got.RecoveryAttempts)
		}
		wantManual := attempt > cfg.MaxRecoveryAttempts
		if got.RequiresManualIntervention != wantManual {
			t.Errorf("attempt %d: manual = %v, want %v", attempt, got.RequiresManualIntervention, wantManual)
		}
		mustTransition(t, m, op.ID, domain.OperationStateExecuting)
	}
}

func TestCompleteRecoveryClearsBookkeeping(t *testing.T) {
	m := newTestMachine(nil)
	op := m.Create("opp-1")
	mustTransition(t, m, op.ID, domain.OperationStateDetecting)
	mustTransition(t, m, op.ID, domain.OperationStateOpportunityFound)
	mustTransition(t, m, op.ID, domain.OperationStateExecuting)

	if _, err := m.TransitionToRecovery(op.ID, "leg_failed"); err != nil {
		t.Fatal(err)
	}
	got, err := m.CompleteRecovery(op.ID, domain.OperationStateCompleted, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.OperationStateCompleted {
		t.Errorf("state = %s, want COMPLETED", got.State)
	}
	if got.RecoveryAttempts != 0 || got.RequiresManualIntervention {
		t.Errorf("recovery bookkeeping not cleared: %+v", got)
	}
}

func TestCleanupRemovesOldTerminalOperations(t *testing.T) {
	cfg := config.Defaults().Lifecycle
	cfg.CleanupMaxAge.Duration = time.Hour
	m := New(cfg, nil, slog.New(slog.DiscardHandler))

	done := m.Create("opp-done")
	mustTransition(t, m, done.ID, domain.OperationStateDetecting)
	mustTransition(t, m, done.ID, domain.OperationStateOpportunityFound)
	mustTransition(t, m, done.ID, domain.OperationStateExecuting)
	mustTransition(t, m, done.ID, domain.OperationStateCompleted)

	live := m.Create("opp-live")
	mustTransition(t, m, live.ID, domain.OperationStateDetecting)

	removed := m.Cleanup(time.Now().UTC().Add(2 * time.Hour))
	if len(removed) != 1 || removed[0] != done.ID {
		t.Errorf("removed = %v, want [%s]", removed, done.ID)
	}
	if _, err := m.Get(live.ID); err != nil {
		t.Error("active operation must survive cleanup")
	}
	if _, err := m.Get(done.ID); !errors.Is(err, domain.ErrUnknownOperation) {
		t.Error("terminal operation should be gone")
	}
}

func mustTransition(t *testing.T, m *Machine, id string, target domain.OperationState) {
	t.Helper()
	if _, err := m.Transition(id, target, "test"); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}
