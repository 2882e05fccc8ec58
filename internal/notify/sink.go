package notify

import (
	"context"
	"log/slog"

	"github.com/quantfold/arbot/internal/domain"
)

// Queue adapts the Notifier to the non-blocking AlertSink contract: the
// reporting path enqueues and returns immediately, a single worker
// drains the queue. When the queue is full the oldest alert is dropped;
// recent alerts matter more to an operator than old ones.
type Queue struct {
	notifier *Notifier
	events   chan domain.AlertEvent
	logger   *slog.Logger
}

// NewQueue creates a Queue with the given capacity in front of the
// Notifier.
func NewQueue(notifier *Notifier, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		notifier: notifier,
		events:   make(chan domain.AlertEvent, capacity),
		logger:   logger.With(slog.String("component", "alert_queue")),
	}
}

// Alert enqueues one event without ever blocking the caller.
func (q *Queue) Alert(event domain.AlertEvent) {
	for {
		select {
		case q.events <- event:
			return
		default:
		}
		select {
		case dropped := <-q.events:
			q.logger.Warn("alert queue full, dropping oldest",
				slog.String("kind", dropped.Kind),
				slog.String("operation_id", dropped.OperationID),
			)
		default:
		}
	}
}

// Run drains the queue until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("alert queue started")
	defer q.logger.Info("alert queue stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-q.events:
			if err := q.notifier.Notify(ctx, event); err != nil {
				q.logger.Warn("alert delivery failed",
					slog.String("kind", event.Kind),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Compile-time interface check.
var _ domain.AlertSink = (*Queue)(nil)
