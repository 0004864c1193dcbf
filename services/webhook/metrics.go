package webhook

import "github.com/prometheus/client_golang/prometheus"

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "certificate",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Completion events received, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(eventsTotal)
}
