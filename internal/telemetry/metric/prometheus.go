package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memscope"

// Registry holds all application metrics.
//
// Every Registry owns a private prometheus.Registry, so tests can create as
// many as they like without duplicate registration panics.
type Registry struct {
	registry *prometheus.Registry

	// Cache server calls
	CacheCalls        *prometheus.CounterVec
	CacheCallDuration *prometheus.HistogramVec
	CacheBytesRead    prometheus.Counter

	// Connection lifecycle
	ConnectionsCreated *prometheus.CounterVec
	ConnectionsClosed  *prometheus.CounterVec

	// Key index maintenance
	ReindexRuns    *prometheus.CounterVec
	ReindexDropped prometheus.Counter
	IndexedKeys    prometheus.Gauge

	// HTTP API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns the /metrics handler of the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// NewRegistry creates a registry with all memscope metrics plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.CacheCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "calls_total",
		Help:      "Cache server calls by command, dialect and outcome",
	}, []string{"command", "dialect", "outcome"})

	r.CacheCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "call_duration_seconds",
		Help:      "Cache server call latency including connect and authentication",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"command", "dialect"})

	r.CacheBytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "read_bytes_total",
		Help:      "Bytes read from cache servers",
	})

	r.ConnectionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "created_total",
		Help:      "Logical connections created by dialect",
	}, []string{"dialect"})

	r.ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "closed_total",
		Help:      "Logical connections closed by reason",
	}, []string{"reason"})

	r.ReindexRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "rebuilds_total",
		Help:      "Key index rebuilds by outcome",
	}, []string{"outcome"})

	r.ReindexDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "rebuilds_dropped_total",
		Help:      "Key index rebuild tasks dropped because the worker queue was full",
	})

	r.IndexedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "last_rebuild_keys",
		Help:      "Number of keys written by the most recent index rebuild",
	})

	r.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "HTTP API requests by method, route and status",
	}, []string{"method", "route", "status"})

	r.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.CacheCalls,
		r.CacheCallDuration,
		r.CacheBytesRead,
		r.ConnectionsCreated,
		r.ConnectionsClosed,
		r.ReindexRuns,
		r.ReindexDropped,
		r.IndexedKeys,
		r.RequestsTotal,
		r.RequestDuration,
	)
	return r
}

// Handler returns the /metrics handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// MustRegister registers additional collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// RecordCacheCall counts one cache server call and its latency.
func (r *Registry) RecordCacheCall(command, dialect, outcome string, seconds float64) {
	r.CacheCalls.WithLabelValues(command, dialect, outcome).Inc()
	r.CacheCallDuration.WithLabelValues(command, dialect).Observe(seconds)
}

// AddCacheBytesRead adds to the bytes read counter.
func (r *Registry) AddCacheBytesRead(n int) {
	r.CacheBytesRead.Add(float64(n))
}

// IncConnectionCreated counts a new logical connection.
func (r *Registry) IncConnectionCreated(dialect string) {
	r.ConnectionsCreated.WithLabelValues(dialect).Inc()
}

// IncConnectionClosed counts a closed logical connection.
// Reasons: "closed", "expired", "tunnel_lost", "shutdown".
func (r *Registry) IncConnectionClosed(reason string) {
	r.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordReindex counts one index rebuild. keys is ignored on failure.
func (r *Registry) RecordReindex(ok bool, keys int) {
	if !ok {
		r.ReindexRuns.WithLabelValues("failure").Inc()
		return
	}
	r.ReindexRuns.WithLabelValues("success").Inc()
	r.IndexedKeys.Set(float64(keys))
}

// IncReindexDropped counts a rebuild task dropped on a full queue.
func (r *Registry) IncReindexDropped() {
	r.ReindexDropped.Inc()
}

// RecordRequest counts one HTTP API request.
func (r *Registry) RecordRequest(method, route, status string) {
	r.RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// ObserveRequestDuration records HTTP API latency.
func (r *Registry) ObserveRequestDuration(method, route string, seconds float64) {
	r.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}
