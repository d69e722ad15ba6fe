// Package metrics exposes Prometheus collectors for the trading engine.
// Everything registers through promauto at init; the ops server serves the
// default registry at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TicksTotal counts market loop ticks by how they ended.
var TicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Market loop ticks by result",
	},
	[]string{"market", "result"}, // result: ok, skipped, disabled, error
)

// TickDuration measures one full tick of a market loop.
var TickDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trader",
		Subsystem: "engine",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one market loop tick",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"market"},
)

// SignalsTotal counts rule verdicts per market.
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "engine",
		Name:      "signals_total",
		Help:      "Signal candidates by resulting action",
	},
	[]string{"market", "action"},
)

// OrdersTotal counts order executions by terminal status.
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "execution",
		Name:      "orders_total",
		Help:      "Order executions by status",
	},
	[]string{"market", "broker", "side", "status"}, // status: filled, simulated, failed, reused
)

// OrderLatency measures the broker round trip for live orders.
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trader",
		Subsystem: "execution",
		Name:      "order_latency_seconds",
		Help:      "Broker order round-trip latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	},
	[]string{"broker"},
)

// RiskRejections counts gatekeeper rejections by failing check.
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Risk gate rejections by check",
	},
	[]string{"market", "check"}, // check: breaker, event, sizing, leverage, exposure, stop_range
)

// CircuitBreakerActive is 1 while trading is disabled.
var CircuitBreakerActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trader",
		Subsystem: "risk",
		Name:      "circuit_breaker_active",
		Help:      "1 when the circuit breaker has trading disabled",
	},
)

// LiquidationResults counts per-symbol liquidation attempts by outcome.
var LiquidationResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "risk",
		Name:      "liquidation_results_total",
		Help:      "Liquidation attempts by outcome",
	},
	[]string{"result"}, // result: success, failed, skipped
)

// OutcomesTotal counts reconciled trade outcomes.
var OutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trader",
		Subsystem: "audit",
		Name:      "outcomes_total",
		Help:      "Reconciled trade outcomes by classification",
	},
	[]string{"market", "result"}, // result: WIN, LOSS, BREAKEVEN
)

// EquityGauge tracks the last observed account equity per market.
var EquityGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trader",
		Subsystem: "account",
		Name:      "equity",
		Help:      "Last observed account equity in quote currency",
	},
	[]string{"market"},
)

// DailyPnLGauge tracks the last observed daily PnL per market.
var DailyPnLGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trader",
		Subsystem: "account",
		Name:      "daily_pnl",
		Help:      "Last observed daily realized+unrealized PnL in quote currency",
	},
	[]string{"market"},
)

// RecordTick records a finished tick.
func RecordTick(market, result string, elapsed time.Duration) {
	TicksTotal.WithLabelValues(market, result).Inc()
	TickDuration.WithLabelValues(market).Observe(elapsed.Seconds())
}

// RecordOrder records a terminal order execution.
func RecordOrder(market, broker, side, status string) {
	OrdersTotal.WithLabelValues(market, broker, side, status).Inc()
}

// SetBreaker flips the circuit breaker gauge.
func SetBreaker(active bool) {
	if active {
		CircuitBreakerActive.Set(1)
		return
	}
	CircuitBreakerActive.Set(0)
}
