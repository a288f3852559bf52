package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	FlowOutcomes     *prometheus.CounterVec
	ProviderRequests *prometheus.HistogramVec
	RateLimited      prometheus.Counter
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FlowOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmsauth_flow_outcomes_total",
			Help: "Authorization flows by terminal outcome and the stage that produced it",
		}, []string{"outcome", "stage"}),
		ProviderRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cmsauth_provider_request_duration_seconds",
			Help:    "Latency of requests to GitHub by operation and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "cmsauth_rate_limited_requests_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
	}
}

// RecordOutcome counts one terminal flow result.
func (m *Metrics) RecordOutcome(outcome string, stage Stage) {
	if m == nil {
		return
	}
	m.FlowOutcomes.WithLabelValues(outcome, stage.String()).Inc()
}

// ObserveProvider records one provider round trip. Status 0 means no response arrived.
func (m *Metrics) ObserveProvider(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(op, strconv.Itoa(status)).Observe(d.Seconds())
}

// IncrementRateLimited counts one request rejected by the rate limiter.
func (m *Metrics) IncrementRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
