package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certificate_job_transitions_total",
		Help: "Applied certificate job state transitions by target state.",
	}, []string{"to"})

	deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certificate_delivery_attempts_total",
		Help: "Delivery attempts by transport and outcome.",
	}, []string{"transport", "outcome"})

	failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certificate_step_failures_total",
		Help: "Render and delivery step failures by failure kind.",
	}, []string{"kind"})

	renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "certificate_render_duration_seconds",
		Help:    "Time spent rendering, converting and storing a certificate.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, deliveryAttemptsTotal, failuresTotal, renderDuration)
}
