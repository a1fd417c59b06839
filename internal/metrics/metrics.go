// Package metrics registers the Prometheus gauges/counters the
// system_metrics admin operation and the /metrics HTTP endpoint expose.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter this service exposes.
type Metrics struct {
	Registry *prometheus.Registry

	PoolTotalLiquidity     prometheus.Gauge
	PoolAvailableLiquidity prometheus.Gauge
	PoolTotalBorrowed      prometheus.Gauge
	PoolCumulativeLosses   prometheus.Gauge

	AuditDroppedWrites prometheus.Counter

	LiquidationsTriggered prometheus.Counter
	LiquidationsFailed    prometheus.Counter

	LoansApplied   prometheus.Counter
	LoansDisbursed prometheus.Counter
	LoansRepaid    prometheus.Counter
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PoolTotalLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agrilend_pool_total_liquidity_satoshi", Help: "Total liquidity in the pool, satoshi.",
		}),
		PoolAvailableLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agrilend_pool_available_liquidity_satoshi", Help: "Available (undisbursed, unreserved) liquidity, satoshi.",
		}),
		PoolTotalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agrilend_pool_total_borrowed_satoshi", Help: "Total outstanding principal across all active loans, satoshi.",
		}),
		PoolCumulativeLosses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agrilend_pool_cumulative_losses_satoshi", Help: "Cumulative unrecovered shortfall from liquidations, satoshi.",
		}),
		AuditDroppedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_audit_dropped_writes_total", Help: "Audit log entries dropped after a storage failure.",
		}),
		LiquidationsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_liquidations_triggered_total", Help: "Liquidations successfully triggered.",
		}),
		LiquidationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_liquidations_failed_total", Help: "Liquidation trigger attempts that errored.",
		}),
		LoansApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_loans_applied_total", Help: "Loan applications submitted.",
		}),
		LoansDisbursed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_loans_disbursed_total", Help: "Loans disbursed.",
		}),
		LoansRepaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agrilend_loans_repaid_total", Help: "Loans fully repaid.",
		}),
	}
	reg.MustRegister(
		m.PoolTotalLiquidity, m.PoolAvailableLiquidity, m.PoolTotalBorrowed, m.PoolCumulativeLosses,
		m.AuditDroppedWrites, m.LiquidationsTriggered, m.LiquidationsFailed,
		m.LoansApplied, m.LoansDisbursed, m.LoansRepaid,
	)
	return m
}

// SyncPool updates the pool conservation gauges from a fresh snapshot.
func (m *Metrics) SyncPool(totalLiquidity, availableLiquidity, totalBorrowed, cumulativeLosses uint64) {
	m.PoolTotalLiquidity.Set(float64(totalLiquidity))
	m.PoolAvailableLiquidity.Set(float64(availableLiquidity))
	m.PoolTotalBorrowed.Set(float64(totalBorrowed))
	m.PoolCumulativeLosses.Set(float64(cumulativeLosses))
}
