package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var delivered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "delivery",
		Name:      "messages_delivered_total",
		Help:      "Replies posted to chat by delivery mode",
	},
	[]string{"mode"},
)
