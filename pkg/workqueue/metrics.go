package workqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridqueue"

type coreMetrics struct {
	negotiations *prometheus.CounterVec
	reaped       prometheus.Counter
}

func newCoreMetrics(reg prometheus.Registerer) *coreMetrics {
	return &coreMetrics{
		negotiations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Acquisition attempts by outcome.",
		}, []string{"outcome"}),
		reaped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_reaped_total",
			Help:      "Stale negotiations returned to Available.",
		}),
	}
}

type globalMetrics struct {
	requests       *prometheus.GaugeVec
	splitElements  *prometheus.CounterVec
	splitFailures  *prometheus.CounterVec
	resubmissions  prometheus.Counter
	retainedPurged prometheus.Counter
}

func newGlobalMetrics(reg prometheus.Registerer) *globalMetrics {
	return &globalMetrics{
		requests: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "requests",
			Help:      "Accepted requests by state.",
		}, []string{"status"}),
		splitElements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "split",
			Name:      "elements_total",
			Help:      "Work elements created by splitting policy.",
		}, []string{"policy"}),
		splitFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "split",
			Name:      "failures_total",
			Help:      "Failed or empty splits by policy and reason.",
		}, []string{"policy", "reason"}),
		resubmissions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "resubmissions_total",
			Help:      "Resubmission elements created for failed jobs.",
		}),
		retainedPurged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "retention_purged_total",
			Help:      "Terminal requests removed from the store after the retention period.",
		}),
	}
}

type localMetrics struct {
	elements      *prometheus.GaugeVec
	jobsSubmitted prometheus.Counter
	acquired      prometheus.Counter
}

func newLocalMetrics(reg prometheus.Registerer) *localMetrics {
	return &localMetrics{
		elements: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "local",
			Name:      "elements",
			Help:      "Elements held by the local queue by status.",
		}, []string{"status"}),
		jobsSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "local",
			Name:      "jobs_submitted_total",
			Help:      "Jobs handed to the execution layer.",
		}),
		acquired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "local",
			Name:      "elements_acquired_total",
			Help:      "Elements acquired from the parent queue.",
		}),
	}
}
