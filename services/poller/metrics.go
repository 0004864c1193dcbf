package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "certificate",
		Subsystem: "poller",
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps run.",
	})
	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certificate",
		Subsystem: "poller",
		Name:      "checks_total",
		Help:      "Enrollment completion checks, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(sweepsTotal, checksTotal)
}
