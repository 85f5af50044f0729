package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileEscrowMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Escrow accounts whose settled amounts do not add up, from the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Escrow accounts locked past the stuck cutoff, from the last run.",
	})

	reconcilePoolBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "reconciliation",
		Name:      "pool_balance",
		Help:      "Staking pool balance in settlement units, from the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobmesh",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileEscrowMismatches,
		reconcileStuckEscrows,
		reconcilePoolBalance,
		reconcileDuration,
		reconcileErrors,
	)
}
