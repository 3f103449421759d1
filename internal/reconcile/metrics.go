package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "reconcile_cycles_total",
		Help:      "Total reconcile cycles by outcome and escrow state.",
	}, []string{"outcome", "state"})

	flaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "reconcile_flagged_total",
		Help:      "Total operations flagged for manual review by reconciliation.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reservd",
		Name:      "reconcile_sweep_duration_seconds",
		Help:      "Duration of periodic reconcile sweeps.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal, flaggedTotal, sweepDuration)
}

func observeCycle(outcome Outcome, state string) {
	cyclesTotal.WithLabelValues(string(outcome), state).Inc()
}
