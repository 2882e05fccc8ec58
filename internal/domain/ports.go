package domain

import "context"

// ExchangePort is the trading surface of one exchange connection. Port
// implementations must surface timeouts and rejections as typed errors
// (ErrOrderTimeout, ErrOrderRejected, ErrExchangeUnavailable), never as
// raw transport failures.
type ExchangePort interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	GetAccountBalance(ctx context.Context) ([]AssetBalance, error)
}

// ExchangeRegistry resolves exchange names to live trading ports.
type ExchangeRegistry interface {
	Port(exchange string) (ExchangePort, bool)
	Names() []string
}

// PriceSource returns the current market price for mark-to-market and
// recovery loss estimation. Implementations and callers must not cache
// results; every call reflects the venue's present price.
type PriceSource interface {
	CurrentPrice(ctx context.Context, exchange, symbol string) (float64, error)
}

// OpportunitySource delivers detected opportunities to the coordinator.
// The channel closes when the source shuts down.
type OpportunitySource interface {
	Opportunities(ctx context.Context) (<-chan ArbitrageOpportunity, error)
}

// StateObserver receives transition notifications from the state
// machine. Implementations must return quickly; slow work belongs
// behind a queue.
type StateObserver interface {
	OnTransition(op OperationContext, tr StateTransition)
}

// NoopStateObserver is the default observer when none is registered.
type NoopStateObserver struct{}

func (NoopStateObserver) OnTransition(OperationContext, StateTransition) {}

// FanOutObserver delivers each transition to every observer in order.
type FanOutObserver []StateObserver

func (f FanOutObserver) OnTransition(op OperationContext, tr StateTransition) {
	for _, o := range f {
		o.OnTransition(op, tr)
	}
}

// AlertLevel grades operator alerts.
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// AlertEvent is an operator-facing notification. Alerts for manual
// approval or escalation must carry enough context to act on without
// consulting logs.
type AlertEvent struct {
	Level       AlertLevel
	Kind        string // "state_transition", "recovery_initiated", "approval_required", ...
	OperationID string
	RecoveryID  string
	Title       string
	Detail      map[string]string
	At          int64 // unix milliseconds
}

// AlertSink accepts alert events. Delivery is best-effort: a sink must
// never block and never return an error to the reporting path.
type AlertSink interface {
	Alert(event AlertEvent)
}

// NoopAlertSink discards all alerts.
type NoopAlertSink struct{}

func (NoopAlertSink) Alert(AlertEvent) {}

// FanOutAlertSink delivers each alert to every sink in order.
type FanOutAlertSink []AlertSink

func (f FanOutAlertSink) Alert(event AlertEvent) {
	for _, s := range f {
		s.Alert(event)
	}
}
