package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

var (
	tasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_submitted_total",
			Help:      "Total tasks accepted by the queue",
		},
	)

	tasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_completed_total",
			Help:      "Total tasks run by drainers by outcome",
		},
		[]string{"status"},
	)

	taskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a task",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	activeDrainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "active_drainers",
			Help:      "Partitions currently being drained",
		},
	)

	partitionsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "partitions_waiting",
			Help:      "Partitions with work waiting for a free drainer slot",
		},
	)
)

func recordTaskDone(status string, d time.Duration) {
	tasksCompleted.WithLabelValues(status).Inc()
	taskDuration.Observe(d.Seconds())
}
