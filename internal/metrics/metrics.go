package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_requests_total",
			Help: "Total number of proxied requests by outcome",
		},
		[]string{"product", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyproxy_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"product", "endpoint"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_auth_failures_total",
			Help: "Rejected credentials by scheme",
		},
		[]string{"scheme"},
	)

	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_admissions_total",
			Help: "Rate limiter decisions",
		},
		[]string{"product", "outcome"},
	)

	LimiterErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyproxy_limiter_errors_total",
			Help: "Rate limiter backend failures",
		},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyproxy_upstream_duration_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "endpoint"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_provider_errors_total",
			Help: "Upstream provider failures by error kind",
		},
		[]string{"provider", "kind"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_tokens_total",
			Help: "Tokens reported by upstream providers",
		},
		[]string{"product", "provider", "type"},
	)
)

func RecordRequest(product, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(product, endpoint, status).Inc()
	RequestDuration.WithLabelValues(product, endpoint).Observe(durationSec)
}

func RecordAuthFailure(scheme string) {
	AuthFailures.WithLabelValues(scheme).Inc()
}

func RecordAdmission(product, outcome string) {
	Admissions.WithLabelValues(product, outcome).Inc()
}

func RecordLimiterError() {
	LimiterErrors.Inc()
}

func RecordUpstream(provider, endpoint string, durationSec float64) {
	UpstreamDuration.WithLabelValues(provider, endpoint).Observe(durationSec)
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func RecordTokens(product, provider string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(product, provider, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(product, provider, "completion").Add(float64(completionTokens))
}
