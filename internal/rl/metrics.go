package rl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPolicyPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_policy_pulls_total",
		Help: "Total variant selections fed back with a reward",
	}, []string{"policy_variant"})

	metricRewardDistribution = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rl_reward_distribution",
		Help:    "Observed reward values per variant",
		Buckets: prometheus.LinearBuckets(-1, 0.2, 11),
	}, []string{"policy_variant"})

	metricActiveVariants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rl_active_variants_total",
		Help: "Number of variants currently active for deployment",
	})

	metricBlacklistedVariants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rl_blacklisted_variants_total",
		Help: "Number of variants blacklisted by the deploy guard",
	})

	metricExplorationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rl_bandit_exploration_rate",
		Help: "Mean posterior variance across variants",
	})

	metricGuardEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_guard_escalations_total",
		Help: "Variants blacklisted for sustained negative reward",
	}, []string{"policy_variant"})
)
