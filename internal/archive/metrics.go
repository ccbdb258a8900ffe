package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "archive",
		Name:      "writes_total",
		Help:      "Archived turns by result",
	},
	[]string{"result"},
)
