package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecollect",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Pending payments re-checked against the gateway in the last run.",
	})

	settledDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecollect",
		Subsystem: "reconciliation",
		Name:      "settlements_redriven",
		Help:      "Settlements marked paid by the last run instead of the payment hand-off.",
	})

	chainValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecollect",
		Subsystem: "audit",
		Name:      "chain_valid",
		Help:      "1 if the last audit chain replay succeeded, 0 if it found a broken link.",
	})

	chainEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecollect",
		Subsystem: "audit",
		Name:      "chain_entries",
		Help:      "Entries verified by the last audit chain replay.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ecollect",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		pendingChecked,
		settledDrift,
		chainValid,
		chainEntries,
		runDuration,
		runErrors,
	)
}
