// Package metrics exposes cache refresh outcomes and HTTP traffic as
// Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-listingcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listings"

// Metrics holds the service's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec
	invalidations   prometheus.Counter
	cachedListings  prometheus.Gauge
	lastSuccess     prometheus.Gauge

	// Observer calls may arrive out of order. The gauges only follow the
	// newest snapshot change, identified by its time.
	gaugeMu sync.Mutex
	latest  time.Time

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	_ cache.Observer             = (*Metrics)(nil)
	_ cache.InvalidationObserver = (*Metrics)(nil)
)

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_total",
			Help:      "Successful cache refreshes by origin.",
		}, []string{"origin"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_failures_total",
			Help:      "Failed cache refreshes by origin.",
		}, []string{"origin"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidations.",
		}),
		cachedListings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_listings",
			Help:      "Number of listings in the current snapshot.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method", "code"}),
	}

	m.registry.MustRegister(
		m.refreshes,
		m.refreshFailures,
		m.invalidations,
		m.cachedListings,
		m.lastSuccess,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Refreshed counts the refresh and records the new snapshot's size and age,
// unless a newer refresh or invalidation has already been recorded.
func (m *Metrics) Refreshed(_ context.Context, origin cache.Origin, snapshot cache.Snapshot) {
	m.refreshes.WithLabelValues(string(origin)).Inc()

	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	if snapshot.FetchedAt.Before(m.latest) {
		return
	}
	m.latest = snapshot.FetchedAt
	m.cachedListings.Set(float64(len(snapshot.Listings)))
	m.lastSuccess.Set(float64(snapshot.FetchedAt.Unix()))
}

// Invalidated counts the invalidation and empties the listings gauge. The
// last-success timestamp is kept.
func (m *Metrics) Invalidated(at time.Time) {
	m.invalidations.Inc()

	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	if at.Before(m.latest) {
		return
	}
	m.latest = at
	m.cachedListings.Set(0)
}

func (m *Metrics) RefreshFailed(_ context.Context, origin cache.Origin, _ error) {
	m.refreshFailures.WithLabelValues(string(origin)).Inc()
}

// InstrumentHandler wraps h so its requests are counted and timed under name.
func (m *Metrics) InstrumentHandler(name string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(
		m.httpDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(labels), h),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, for registering further
// collectors or gathering directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
