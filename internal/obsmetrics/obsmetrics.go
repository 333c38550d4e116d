// Package obsmetrics exposes Prometheus counters and gauges the engine
// updates during operation:
//   - engine_entries_total{regime}        – positions opened, split by regime
//   - engine_exits_total{reason}          – positions closed, split by exit reason
//   - engine_guard_rejections_total{guard} – executeExit guard rejections
//   - engine_open_positions              – current open-position count (gauge)
//   - engine_capital_available_usd       – available ledger balance (gauge)
//   - engine_capital_locked_usd          – locked ledger balance (gauge)
//   - engine_realized_pnl_usd            – cumulative realized PnL (gauge)
//   - engine_health_index{pool}          – latest health index per pool (gauge)
//
// Registered in init() and served by the /metrics handler in
// internal/httpstatus (Prometheus text exposition format).
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_entries_total",
			Help: "Positions opened, split by regime",
		},
		[]string{"regime"},
	)

	mtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Positions closed, split by exit reason",
		},
		[]string{"reason"},
	)

	mtxGuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_guard_rejections_total",
			Help: "executeExit calls rejected at a state-machine guard",
		},
		[]string{"guard"},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Current open-position count",
		},
	)

	mtxCapitalAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_capital_available_usd",
			Help: "Available capital ledger balance in USD",
		},
	)

	mtxCapitalLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_capital_locked_usd",
			Help: "Locked capital ledger balance in USD",
		},
	)

	mtxRealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		},
	)

	mtxHealthIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_health_index",
			Help: "Latest health index per pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(
		mtxEntries,
		mtxExits,
		mtxGuardRejections,
		mtxOpenPositions,
		mtxCapitalAvailable,
		mtxCapitalLocked,
		mtxRealizedPnL,
		mtxHealthIndex,
	)
}

// IncEntry counts one opened position.
func IncEntry(regime string) { mtxEntries.WithLabelValues(regime).Inc() }

// IncExit counts one closed position.
func IncExit(reason string) { mtxExits.WithLabelValues(reason).Inc() }

// IncGuardRejection counts one executeExit guard rejection.
func IncGuardRejection(guard string) { mtxGuardRejections.WithLabelValues(guard).Inc() }

// SetOpenPositions updates the open-position gauge.
func SetOpenPositions(n int) { mtxOpenPositions.Set(float64(n)) }

// SetCapital updates the three capital-ledger gauges together.
func SetCapital(available, locked, realized float64) {
	mtxCapitalAvailable.Set(available)
	mtxCapitalLocked.Set(locked)
	mtxRealizedPnL.Set(realized)
}

// SetHealthIndex updates the per-pool health-index gauge.
func SetHealthIndex(pool string, hi float64) { mtxHealthIndex.WithLabelValues(pool).Set(hi) }

// RemoveHealthIndex drops a pool's health-index series once its position closes.
func RemoveHealthIndex(pool string) { mtxHealthIndex.DeleteLabelValues(pool) }
