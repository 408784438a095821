package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "specforge",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Accepted job submissions.",
	})
	jobsNotAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specforge",
		Subsystem: "jobs",
		Name:      "not_admitted_total",
		Help:      "Submissions the gatekeeper turned away, by gatekeeper status.",
	}, []string{"status"})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specforge",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs that reached a terminal status, by status and failure category.",
	}, []string{"status", "category"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "specforge",
		Subsystem: "jobs",
		Name:      "process_seconds",
		Help:      "Worker body latency by outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})
	dispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specforge",
		Subsystem: "jobs",
		Name:      "dispatch_failures_total",
		Help:      "Synchronous dispatch failures by dispatcher mode.",
	}, []string{"mode"})
)
