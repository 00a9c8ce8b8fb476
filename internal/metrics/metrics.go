// Package metrics exposes Prometheus collectors for the gateway's request,
// cache, render-wait, and sitemap paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Metrics provides the gateway's Prometheus collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	staleServedTotal *prometheus.CounterVec

	waitTotal    *prometheus.CounterVec
	waitDuration *prometheus.HistogramVec
	waitTimeouts *prometheus.CounterVec

	inflightRenders prometheus.Gauge
	errorsTotal     *prometheus.CounterVec

	callbackAttemptsTotal *prometheus.CounterVec
	callbackFailureTotal  *prometheus.CounterVec

	sitemapPageDuration *prometheus.HistogramVec
	sitemapPageSize     *prometheus.GaugeVec

	janitorExpiredTotal prometheus.Counter

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// New creates and registers the gateway's metrics under namespace.
func New(namespace string, logger *zap.Logger) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry is New with an explicit registerer, used by tests to
// avoid colliding with prometheus.DefaultRegisterer across test binaries.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	m := &Metrics{logger: logger}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "requests_total",
			Help:      "Total number of gateway requests processed",
		},
		[]string{"host", "device_type", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "request_duration_seconds",
			Help:      "Time taken to serve a gateway request",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "device_type", "status"},
	)

	m.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "cache_hits_total",
			Help:      "Total number of fresh cache hits",
		},
		[]string{"host", "device_type"},
	)

	m.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "cache_misses_total",
			Help:      "Total number of cold cache misses",
		},
		[]string{"host", "device_type"},
	)

	m.staleServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "stale_served_total",
			Help:      "Total number of stale-while-revalidate responses served",
		},
		[]string{"host", "device_type"},
	)

	m.waitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "wait_total",
			Help:      "Total number of requests that waited on an in-flight render",
		},
		[]string{"host", "device_type", "outcome"},
	)

	m.waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for an in-flight render to complete",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
		},
		[]string{"host", "device_type", "outcome"},
	)

	m.waitTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "wait_timeouts_total",
			Help:      "Total number of waits that exceeded the worker timeout",
		},
		[]string{"host", "device_type"},
	)

	m.inflightRenders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "inflight_renders",
			Help:      "Number of render requests currently blocked waiting on a worker reply",
		},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "errors_total",
			Help:      "Total number of requests that ended in a Kasha-Code error",
		},
		[]string{"host", "kind"},
	)

	m.callbackAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "callback_attempts_total",
			Help:      "Total number of callback POST attempts",
		},
		[]string{"host"},
	)

	m.callbackFailureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "callback_failures_total",
			Help:      "Total number of callbacks that exhausted all retry attempts",
		},
		[]string{"host"},
	)

	m.sitemapPageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sitemap",
			Name:      "page_duration_seconds",
			Help:      "Time taken to build a sitemap page",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"host", "variant"},
	)

	m.sitemapPageSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sitemap",
			Name:      "last_total_urls",
			Help:      "Total URL count observed on the most recent aggregation for a site/variant",
		},
		[]string{"host", "variant"},
	)

	m.janitorExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gw",
			Name:      "janitor_expired_total",
			Help:      "Total number of snapshots removed by the expiry janitor",
		},
	)

	registerer.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.staleServedTotal,
		m.waitTotal,
		m.waitDuration,
		m.waitTimeouts,
		m.inflightRenders,
		m.errorsTotal,
		m.callbackAttemptsTotal,
		m.callbackFailureTotal,
		m.sitemapPageDuration,
		m.sitemapPageSize,
		m.janitorExpiredTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	m.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return m
}

// RecordRequest records a completed request's outcome and latency.
func (m *Metrics) RecordRequest(host, deviceType, status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(host, deviceType, status).Inc()
	m.requestDuration.WithLabelValues(host, deviceType, status).Observe(d.Seconds())
}

func (m *Metrics) RecordCacheHit(host, deviceType string)  { m.cacheHitsTotal.WithLabelValues(host, deviceType).Inc() }
func (m *Metrics) RecordCacheMiss(host, deviceType string) { m.cacheMissesTotal.WithLabelValues(host, deviceType).Inc() }
func (m *Metrics) RecordStaleServed(host, deviceType string) {
	m.staleServedTotal.WithLabelValues(host, deviceType).Inc()
}

// RecordWaitSuccess records a successful wait for an in-flight render.
func (m *Metrics) RecordWaitSuccess(host, deviceType string, d time.Duration) {
	m.waitTotal.WithLabelValues(host, deviceType, "success").Inc()
	m.waitDuration.WithLabelValues(host, deviceType, "success").Observe(d.Seconds())
}

// RecordWaitTimeout records a wait that exceeded the worker timeout.
func (m *Metrics) RecordWaitTimeout(host, deviceType string, d time.Duration) {
	m.waitTotal.WithLabelValues(host, deviceType, "timeout").Inc()
	m.waitDuration.WithLabelValues(host, deviceType, "timeout").Observe(d.Seconds())
	m.waitTimeouts.WithLabelValues(host, deviceType).Inc()
}

func (m *Metrics) IncInflightRenders() { m.inflightRenders.Inc() }
func (m *Metrics) DecInflightRenders() { m.inflightRenders.Dec() }

// RecordError records a request that ended in a Kasha-Code error kind.
func (m *Metrics) RecordError(host, kind string) {
	m.errorsTotal.WithLabelValues(host, kind).Inc()
}

func (m *Metrics) RecordCallbackAttempt(host string) { m.callbackAttemptsTotal.WithLabelValues(host).Inc() }
func (m *Metrics) RecordCallbackFailure(host string) { m.callbackFailureTotal.WithLabelValues(host).Inc() }

// RecordSitemapPage records the latency of building a sitemap page and the
// total URL count observed for that site/variant.
func (m *Metrics) RecordSitemapPage(host, variant string, d time.Duration, totalURLs int) {
	m.sitemapPageDuration.WithLabelValues(host, variant).Observe(d.Seconds())
	m.sitemapPageSize.WithLabelValues(host, variant).Set(float64(totalURLs))
}

// AddExpired records snapshots removed by a janitor sweep.
func (m *Metrics) AddExpired(n int64) {
	if n > 0 {
		m.janitorExpiredTotal.Add(float64(n))
	}
}

// ServeHTTP serves the Prometheus exposition format.
func (m *Metrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	m.httpHandler(ctx)
}
