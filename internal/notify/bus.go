package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

// publishTimeout bounds each best-effort bus write.
const publishTimeout = 2 * time.Second

// BusPublisher mirrors state transitions and alerts onto the signal bus
// so external consumers (dashboards, the server process) can follow the
// coordinator without polling. All writes are best-effort.
type BusPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "bus_publisher")),
	}
}

// OnTransition publishes a transition event to the transitions channel
// and appends it to the durable stream of the same name.
func (p *BusPublisher) OnTransition(op domain.OperationContext, tr domain.StateTransition) {
	event := domain.TransitionEvent{
		OperationID:   op.ID,
		OpportunityID: op.OpportunityID,
		From:          tr.From,
		To:            tr.To,
		Trigger:       tr.Trigger,
		Stage:         op.Stage,
		At:            tr.At,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	p.publish(domain.ChannelTransitions, payload)
}

// Alert publishes an alert event to the alerts channel. Alerts raised by
// the recovery subsystem are additionally mirrored onto the recoveries
// channel in the RecoveryEvent shape.
func (p *BusPublisher) Alert(event domain.AlertEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	p.publish(domain.ChannelAlerts, payload)

	if event.RecoveryID == "" {
		return
	}
	loss, _ := strconv.ParseFloat(event.Detail["estimated_loss_usd"], 64)
	attempts, _ := strconv.Atoi(event.Detail["attempts"])
	recPayload, err := json.Marshal(domain.RecoveryEvent{
		RecoveryID:    event.RecoveryID,
		OperationID:   event.OperationID,
		Status:        domain.RecoveryStatus(event.Detail["status"]),
		Strategy:      domain.RecoveryStrategy(event.Detail["strategy"]),
		EstimatedLoss: loss,
		Attempts:      attempts,
		At:            time.UnixMilli(event.At).UTC(),
	})
	if err != nil {
		return
	}
	p.publish(domain.ChannelRecoveries, recPayload)
}

// publish uses a background context so bus writes survive the caller's
// cancellation during shutdown.
func (p *BusPublisher) publish(channel string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.Debug("bus publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.StreamAppend(ctx, channel, payload); err != nil {
		p.logger.Debug("stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface checks.
var (
	_ domain.StateObserver = (*BusPublisher)(nil)
	_ domain.AlertSink     = (*BusPublisher)(nil)
)
