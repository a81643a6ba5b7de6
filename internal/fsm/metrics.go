package fsm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_fsm_transitions_total",
		Help: "State transitions taken by per-call machines",
	}, []string{"from", "to"})

	metricStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tom_stage_latency_ms",
		Help:    "Per-turn pipeline stage latency",
		Buckets: prometheus.ExponentialBuckets(10, 1.6, 12),
	}, []string{"stage"})

	metricE2ELatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_realtime_e2e_ms",
		Help:    "Per-turn latency from final transcript to first audio",
		Buckets: prometheus.ExponentialBuckets(25, 1.5, 12),
	})
)
