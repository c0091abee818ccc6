package llm_dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generateMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_dispatch_generate_total",
		Help: "Generation requests by provider and result",
	}, []string{"provider", "result"})

	chunkMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_dispatch_chunks_total",
		Help: "Text chunks relayed to callers",
	}, []string{"provider"})

	generateLatencyMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_dispatch_generate_seconds",
		Help:    "Duration of streamed generations",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider"})
)
