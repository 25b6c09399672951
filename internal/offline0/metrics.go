package offline0

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus collectors of one Service. Each Service owns
// its registry so tests can build many services in one process.
type metrics struct {
	registry *prometheus.Registry

	responses     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	evictions     *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	syncItems     *prometheus.CounterVec
	shares        *prometheus.CounterVec
	messages      *prometheus.CounterVec
}

func newMetrics() *metrics {
	const ns = "offline0"
	m := &metrics{
		registry: prometheus.NewRegistry(),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "responses_total",
			Help:      "Intercepted responses by strategy and source.",
		}, []string{"strategy", "source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Origin fetch latency by timeout class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted by quota enforcement.",
		}, []string{"partition"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_errors_total",
			Help:      "Swallowed cache store failures.",
		}, []string{"op"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sync_items_total",
			Help:      "Queued writes replayed to the origin by outcome.",
		}, []string{"outcome"}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "shares_total",
			Help:      "Share submissions by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "client_messages_total",
			Help:      "Messages broadcast to clients by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.responses,
		m.fetchDuration,
		m.evictions,
		m.cacheErrors,
		m.syncItems,
		m.shares,
		m.messages,
	)
	return m
}

func (m *metrics) observeFetch(class string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetchDuration.WithLabelValues(class, outcome).Observe(time.Since(start).Seconds())
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
