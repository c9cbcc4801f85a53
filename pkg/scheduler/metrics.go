package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gridqueue"
	subsystem = "scheduler"
)

type Metrics struct {
	iterations        *prometheus.CounterVec
	iterationFailures *prometheus.CounterVec
	transientFailures *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, activeThreads func() float64) *Metrics {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_workers",
		Help:      "Number of worker loops currently running.",
	}, activeThreads)

	return &Metrics{
		iterations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "iterations_total",
			Help:      "Total number of worker iterations.",
		}, []string{"worker"}),
		iterationFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "iteration_failures_total",
			Help:      "Total number of worker iterations that stopped the worker.",
		}, []string{"worker"}),
		transientFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transient_failures_total",
			Help:      "Total number of worker iterations that failed with a retryable error.",
		}, []string{"worker"}),
		iterationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "iteration_duration_seconds",
			Help:      "Time spent in one worker iteration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
	}
}
