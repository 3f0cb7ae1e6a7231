//go:build metrics

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	atrGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_atr",
		Help: "bot.atr: most recent ATR estimate in quote currency",
	}, []string{"symbol"})

	priceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_last_price",
		Help: "bot.last_price: most recent close observed by the cycle loop",
	}, []string{"symbol"})

	positionLongGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_position_long",
		Help: "bot.position_long: 1 while the bot holds a long position",
	}, []string{"symbol"})

	tradesExecutedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trades_executed_total",
		Help: "bot.trades_executed: confirmed fills, per side",
	}, []string{"symbol", "side"})

	riskBlocksCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_risk_blocks_total",
		Help: "bot.risk_blocks: signals vetoed by the risk gate, per reason",
	}, []string{"symbol", "reason"})

	killSwitchGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_kill_switch_active",
		Help: "bot.kill_switch_active: 1 while the daily loss kill-switch is tripped",
	}, []string{"symbol"})

	sizingSkipsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_sizing_skips_total",
		Help: "bot.sizing_skips: cycles skipped because the order fell below venue minimums",
	}, []string{"symbol"})

	dataFetchFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_data_fetch_failures_total",
		Help: "bot.data_fetch_failures: market data fetches that failed after retries",
	}, []string{"symbol"})

	orderFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_order_failures_total",
		Help: "bot.order_failures: order submissions that failed, per error kind",
	}, []string{"symbol", "kind"})

	realizedPnLGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_realized_pnl",
		Help: "bot.realized_pnl: cumulative realized PnL in quote currency",
	}, []string{"symbol"})

	cycleLatencyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_cycle_latency_ms",
		Help: "bot.cycle_latency_ms: duration of the latest poll-decide-execute cycle",
	}, []string{"symbol"})

	snapshotPersistFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_snapshot_persist_failures_total",
		Help: "bot.snapshot_persist_failures: errors persisting the state snapshot",
	}, []string{"symbol"})

	snapshotPersistLatencyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_snapshot_persist_latency_ms",
		Help: "bot.snapshot_persist_latency_ms: time spent persisting the state snapshot",
	}, []string{"symbol"})
)

func init() {
	prometheus.MustRegister(
		atrGauge,
		priceGauge,
		positionLongGauge,
		tradesExecutedCounter,
		riskBlocksCounter,
		killSwitchGauge,
		sizingSkipsCounter,
		dataFetchFailuresCounter,
		orderFailuresCounter,
		realizedPnLGauge,
		cycleLatencyGauge,
		snapshotPersistFailuresCounter,
		snapshotPersistLatencyGauge,
	)
}

func ObserveATR(symbol string, value float64) {
	atrGauge.WithLabelValues(symbol).Set(value)
}

func ObservePrice(symbol string, value float64) {
	priceGauge.WithLabelValues(symbol).Set(value)
}

func SetPositionLong(symbol string, long bool) {
	if long {
		positionLongGauge.WithLabelValues(symbol).Set(1)
		return
	}
	positionLongGauge.WithLabelValues(symbol).Set(0)
}

func IncTradesExecuted(symbol, side string) {
	tradesExecutedCounter.WithLabelValues(symbol, side).Inc()
}

func IncRiskBlocks(symbol, reason string) {
	riskBlocksCounter.WithLabelValues(symbol, reason).Inc()
}

func SetKillSwitchActive(symbol string, active bool) {
	if active {
		killSwitchGauge.WithLabelValues(symbol).Set(1)
		return
	}
	killSwitchGauge.WithLabelValues(symbol).Set(0)
}

func IncSizingSkips(symbol string) {
	sizingSkipsCounter.WithLabelValues(symbol).Inc()
}

func IncDataFetchFailures(symbol string) {
	dataFetchFailuresCounter.WithLabelValues(symbol).Inc()
}

func IncOrderFailures(symbol, kind string) {
	orderFailuresCounter.WithLabelValues(symbol, kind).Inc()
}

func ObserveRealizedPnL(symbol string, value float64) {
	realizedPnLGauge.WithLabelValues(symbol).Set(value)
}

func ObserveCycleLatency(symbol string, duration time.Duration) {
	cycleLatencyGauge.WithLabelValues(symbol).Set(duration.Seconds() * 1000)
}

func IncSnapshotPersistFailures(symbol string) {
	snapshotPersistFailuresCounter.WithLabelValues(symbol).Inc()
}

func ObserveSnapshotPersistLatency(symbol string, duration time.Duration) {
	snapshotPersistLatencyGauge.WithLabelValues(symbol).Set(duration.Seconds() * 1000)
}
