// Package store bridges the in-memory coordinator to the persistence
// layer. The state machine stays authoritative; rows written here are
// write-behind copies for audit, the API, and the archiver.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

// writeTimeout bounds each store write.
const writeTimeout = 5 * time.Second

type persistEvent struct {
	op domain.OperationContext
	tr domain.StateTransition
}

// Persister implements domain.StateObserver and copies every transition
// into the operation and transition stores from a single worker. The
// observer path only enqueues; a full queue drops the event with a
// warning rather than stalling the state machine.
type Persister struct {
	operations  domain.OperationStore
	transitions domain.TransitionStore
	events      chan persistEvent
	logger      *slog.Logger
}

// NewPersister creates a Persister with the given queue capacity.
func NewPersister(operations domain.OperationStore, transitions domain.TransitionStore, capacity int, logger *slog.Logger) *Persister {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Persister{
		operations:  operations,
		transitions: transitions,
		events:      make(chan persistEvent, capacity),
		logger:      logger.With(slog.String("component", "persister")),
	}
}

// OnTransition enqueues the operation snapshot and transition for the
// worker. Never blocks.
func (p *Persister) OnTransition(op domain.OperationContext, tr domain.StateTransition) {
	select {
	case p.events <- persistEvent{op: op, tr: tr}:
	default:
		p.logger.Warn("persist queue full, dropping event",
			slog.String("operation_id", op.ID),
			slog.String("to", string(tr.To)),
		)
	}
}

// Run drains the queue until the context is cancelled, then flushes
// whatever is still queued.
func (p *Persister) Run(ctx context.Context) error {
	p.logger.Info("persister started")
	defer p.logger.Info("persister stopped")

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return ctx.Err()
		case ev := <-p.events:
			p.write(ev)
		}
	}
}

// flush drains remaining events with a background context so the final
// transitions of a shutdown survive.
func (p *Persister) flush() {
	for {
		select {
		case ev := <-p.events:
			p.write(ev)
		default:
			return
		}
	}
}

func (p *Persister) write(ev persistEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.operations.Upsert(ctx, ev.op); err != nil {
		p.logger.Warn("operation upsert failed",
			slog.String("operation_id", ev.op.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.transitions.Append(ctx, ev.tr); err != nil {
		p.logger.Warn("transition append failed",
			slog.String("operation_id", ev.tr.OperationID),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ domain.StateObserver = (*Persister)(nil)
