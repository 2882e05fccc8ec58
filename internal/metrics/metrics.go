// Package metrics registers the Prometheus instruments the bot updates
// during operation and exposes them at /metrics in text exposition
// format:
//
//   - arbot_transitions_total{to_state}       – state machine transitions
//   - arbot_operations_total{outcome}         – operations by terminal outcome
//   - arbot_recoveries_total{status,strategy} – recovery outcomes
//   - arbot_orders_total{exchange,result}     – orders placed (result: filled|failed)
//   - arbot_active_operations                 – operations not yet terminal (gauge)
//   - arbot_open_positions                    – open positions (gauge)
//   - arbot_active_reservations               – live balance reservations (gauge)
//   - arbot_total_exposure_usd                – notional across open positions (gauge)
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantfold/arbot/internal/domain"
)

var (
	mtxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbot_transitions_total",
			Help: "State machine transitions by destination state",
		},
		[]string{"to_state"},
	)

	mtxOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbot_operations_total",
			Help: "Operations reaching a terminal state, by outcome",
		},
		[]string{"outcome"}, // completed|failed
	)

	mtxRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbot_recoveries_total",
			Help: "Recovery outcomes by terminal status and strategy",
		},
		[]string{"status", "strategy"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbot_orders_total",
			Help: "Orders placed, by exchange and result",
		},
		[]string{"exchange", "result"}, // result: filled|failed
	)

	gaugeActiveOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbot_active_operations",
			Help: "Operations not yet in a terminal state",
		},
	)

	gaugeOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbot_open_positions",
			Help: "Open positions across all venues",
		},
	)

	gaugeReservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbot_active_reservations",
			Help: "Live balance reservations",
		},
	)

	gaugeExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbot_total_exposure_usd",
			Help: "Total notional exposure across open positions in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxTransitions, mtxOperations, mtxRecoveries, mtxOrders)
	prometheus.MustRegister(gaugeActiveOps, gaugeOpenPositions, gaugeReservations, gaugeExposure)
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncOperation(outcome string)              { mtxOperations.WithLabelValues(outcome).Inc() }
func IncOrder(exchange, result string)         { mtxOrders.WithLabelValues(exchange, result).Inc() }
func IncRecovery(status, strategy string)      { mtxRecoveries.WithLabelValues(status, strategy).Inc() }
func SetActiveOperations(n int)                { gaugeActiveOps.Set(float64(n)) }
func SetOpenPositions(n int)                   { gaugeOpenPositions.Set(float64(n)) }
func SetActiveReservations(n int)              { gaugeReservations.Set(float64(n)) }
func SetTotalExposureUSD(v float64)            { gaugeExposure.Set(v) }

// Observer counts state machine transitions. Register it on the
// machine alongside any other observer.
type Observer struct{}

func (Observer) OnTransition(op domain.OperationContext, tr domain.StateTransition) {
	mtxTransitions.WithLabelValues(string(tr.To)).Inc()
	switch tr.To {
	case domain.OperationStateCompleted:
		mtxOperations.WithLabelValues("completed").Inc()
	case domain.OperationStateFailed:
		mtxOperations.WithLabelValues("failed").Inc()
	}
}

var _ domain.StateObserver = Observer{}
