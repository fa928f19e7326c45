// Package metrics exports gateway counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smartmet/synapse/internal/cache"
)

// CacheStatsSource yields pool statistics for gauge export.
type CacheStatsSource interface {
	Cache(enc cache.Encoding) *cache.ResponseCache
}

// InFlightSource yields the total number of in-flight backend requests.
type InFlightSource func() int

// Collector owns the gateway's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
}

// NewCollector builds the collector and registers cache and in-flight
// gauges that read the live counters on scrape.
func NewCollector(caches CacheStatsSource, inFlight InFlightSource) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of client requests by outcome class.",
		}, []string{"class"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Client request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_backend_retries_total",
			Help: "Total backend deny retries.",
		}),
	}

	reg.MustRegister(c.requestsTotal, c.requestDuration, c.retriesTotal)

	for _, pool := range []struct {
		name string
		enc  cache.Encoding
	}{
		{"gzip", cache.EncodingGzip},
		{"identity", cache.EncodingIdentity},
	} {
		labels := prometheus.Labels{"pool": pool.name}
		enc := pool.enc

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gateway_cache_hits_total",
			Help:        "Response cache hits.",
			ConstLabels: labels,
		}, func() float64 { return float64(caches.Cache(enc).Stats().Hits) }))

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gateway_cache_misses_total",
			Help:        "Response cache misses.",
			ConstLabels: labels,
		}, func() float64 { return float64(caches.Cache(enc).Stats().Misses) }))

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gateway_cache_inserts_total",
			Help:        "Response cache inserts.",
			ConstLabels: labels,
		}, func() float64 { return float64(caches.Cache(enc).Stats().Inserts) }))

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gateway_cache_entries",
			Help:        "Response cache metadata entries.",
			ConstLabels: labels,
		}, func() float64 { return float64(caches.Cache(enc).Stats().Size) }))
	}

	if inFlight != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_backend_inflight_requests",
			Help: "In-flight backend requests.",
		}, func() float64 { return float64(inFlight()) }))
	}

	return c
}

// RecordRequest records a completed client request.
func (c *Collector) RecordRequest(status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(statusClass(status)).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// RecordRetry records one backend deny retry.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Inc()
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// statusClass buckets a status code; 0 marks a hijacked streaming
// response whose status passed through opaquely.
func statusClass(status int) string {
	if status == 0 {
		return "proxied"
	}
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
