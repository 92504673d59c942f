package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feathergate/internal/config"
	"feathergate/internal/models"
)

// Request outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// durationBuckets covers LLM latencies from 100ms to 10 minutes.
var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Collector owns the proxy's Prometheus metrics. A disabled collector records nothing.
// All methods are safe for concurrent use.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	streamChunks    *prometheus.CounterVec
	streamAnomalies *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
}

// NewCollector registers the metric families on registry, or on a fresh registry when nil.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "feathergate"
	}

	c := &Collector{
		enabled:  cfg.Enabled,
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of chat completion requests by outcome. Streams are counted when they end",
			},
			[]string{"provider", "model", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of chat completion requests in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"provider", "model"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by kind",
			},
			[]string{"provider", "kind"},
		),
		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_chunks_total",
				Help:      "Canonical delta chunks emitted to streaming clients",
			},
			[]string{"provider"},
		),
		streamAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_anomalies_total",
				Help:      "Tolerated upstream protocol anomalies by kind",
			},
			[]string{"provider", "kind"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported or estimated per request",
			},
			[]string{"provider", "model", "type"},
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamErrors,
		c.streamChunks,
		c.streamAnomalies,
		c.tokensTotal,
	)
	return c
}

// Enabled reports whether metrics are recorded and exposed.
func (c *Collector) Enabled() bool {
	return c.enabled
}

// RecordRequest records the outcome and latency of one request.
func (c *Collector) RecordRequest(p models.Provider, model, status string, duration time.Duration) {
	if !c.enabled {
		return
	}
	c.requestsTotal.WithLabelValues(string(p), model, status).Inc()
	c.requestDuration.WithLabelValues(string(p), model).Observe(duration.Seconds())
}

// RecordUpstreamError counts a failed upstream exchange.
func (c *Collector) RecordUpstreamError(p models.Provider, kind string) {
	if !c.enabled {
		return
	}
	c.upstreamErrors.WithLabelValues(string(p), kind).Inc()
}

// RecordUsage adds prompt and completion token counts.
func (c *Collector) RecordUsage(p models.Provider, model string, usage models.Usage) {
	if !c.enabled || usage.IsZero() {
		return
	}
	c.tokensTotal.WithLabelValues(string(p), model, "prompt").Add(float64(usage.PromptTokens))
	c.tokensTotal.WithLabelValues(string(p), model, "completion").Add(float64(usage.CompletionTokens))
}

// ChunkEmitted counts one streamed chunk.
func (c *Collector) ChunkEmitted(p models.Provider) {
	if !c.enabled {
		return
	}
	c.streamChunks.WithLabelValues(string(p)).Inc()
}

// Anomaly counts one tolerated stream protocol violation.
func (c *Collector) Anomaly(p models.Provider, kind string) {
	if !c.enabled {
		return
	}
	c.streamAnomalies.WithLabelValues(string(p), kind).Inc()
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
