package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBackend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tom_realtime_backend",
		Help: "Active realtime backend per type (1 active, 0 inactive)",
	}, []string{"backend"})

	metricFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_failover_total",
		Help: "Provider to local failover cutovers",
	})

	metricProviderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_errors_total",
		Help: "Errors observed on the provider backend",
	})
)
