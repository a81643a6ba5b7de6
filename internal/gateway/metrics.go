package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tom_calls_active",
		Help: "Currently connected call sessions",
	})

	metricHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_ws_gateway_http_responses_total",
		Help: "Pre-upgrade HTTP responses by status code",
	}, []string{"code"})

	metricRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_ws_gateway_rate_limit_total",
		Help: "Rate limit rejections by limiter type",
	}, []string{"type"})

	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_audio_frames_sent_total",
		Help: "Audio frames forwarded to clients",
	})

	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_audio_frames_dropped_total",
		Help: "Inbound audio frames dropped by the bounded buffer",
	})

	metricBackpressure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_ws_backpressure_events_total",
		Help: "Times the inbound audio buffer overflowed",
	})
)
