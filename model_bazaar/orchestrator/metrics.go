package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_bazaar_job_dispatch_total",
		Help: "Jobs dispatched to the cluster backend",
	}, []string{"job", "result"})

	dispatchLatencyMetric = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "model_bazaar_job_dispatch_seconds",
		Help: "Time taken to dispatch a job",
	})

	statusSyncMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_bazaar_status_sync_total",
		Help: "Model status changes applied by the status sync",
	}, []string{"job", "status"})

	stopMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_bazaar_job_stop_total",
		Help: "Jobs stopped",
	}, []string{"job"})
)
