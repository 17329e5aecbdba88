package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide instrument set. One instance is created at
// startup and shared through constructor injection.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal       *prometheus.CounterVec
	QueryLatency       *prometheus.HistogramVec
	QueryCacheHits     *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	TrainingActive     prometheus.Gauge
	TrainingQueued     prometheus.Gauge
	DocumentsProcessed *prometheus.CounterVec
	EmbeddingCacheHits prometheus.Counter
	WebhookDeliveries  *prometheus.CounterVec
	WebhookExhausted   prometheus.Counter
	ChatConnections    prometheus.Gauge
	ChatMessages       *prometheus.CounterVec
	RateLimited        prometheus.Counter
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "queries_total",
			Help:      "Retrieval queries served, by method.",
		}, []string{"method"}),
		QueryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lorekeep",
			Name:      "query_latency_seconds",
			Help:      "Retrieval latency by method.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		QueryCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "query_cache_total",
			Help:      "Query cache lookups by outcome.",
		}, []string{"outcome"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "errors_total",
			Help:      "Errors surfaced to callers, by fault kind.",
		}, []string{"kind"}),
		TrainingActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lorekeep",
			Name:      "training_jobs_active",
			Help:      "Training jobs currently running.",
		}),
		TrainingQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lorekeep",
			Name:      "training_jobs_queued",
			Help:      "Training jobs waiting for a worker.",
		}),
		DocumentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "documents_processed_total",
			Help:      "Documents finished by the pipeline, by outcome.",
		}, []string{"outcome"}),
		EmbeddingCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding requests answered from cache.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts, by result.",
		}, []string{"result"}),
		WebhookExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "webhook_deliveries_exhausted_total",
			Help:      "Deliveries that failed all retry attempts.",
		}),
		ChatConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lorekeep",
			Name:      "chat_connections",
			Help:      "Open chat sockets.",
		}),
		ChatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "chat_messages_total",
			Help:      "Chat messages persisted, by sender kind.",
		}, []string{"sender"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lorekeep",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate-limit gate.",
		}),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
