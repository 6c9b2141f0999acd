package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's Prometheus instrument set. The pipeline records
// into it; formatting and scraping are promhttp's problem.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	ActiveStreams     prometheus.Gauge
	UpstreamErrors    *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	TokensTotal       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_requests_total",
			Help: "Requests handled, by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "o2o_request_duration_seconds",
			Help:    "Request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "o2o_active_connections",
			Help: "In-flight HTTP requests.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "o2o_active_streams",
			Help: "In-flight SSE relays.",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_upstream_errors_total",
			Help: "Upstream failures by class.",
		}, []string{"class"}),
		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_rate_limit_hits_total",
			Help: "Rate limit denials by scope.",
		}, []string{"scope"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "o2o_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "o2o_cache_misses_total",
			Help: "Response cache misses.",
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_tokens_total",
			Help: "Tokens proxied, by kind (prompt, completion).",
		}, []string{"kind"}),
	}
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
