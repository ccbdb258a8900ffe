package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions made by the limiter",
	},
	[]string{"result"},
)

func recordDecision(admitted bool) {
	if admitted {
		decisions.WithLabelValues("admitted").Inc()
		return
	}
	decisions.WithLabelValues("denied").Inc()
}
