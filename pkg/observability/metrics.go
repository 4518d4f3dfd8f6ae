package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Tenant connection registry
	TenantConnectionsActive   prometheus.Gauge
	TenantConnectionInits     *prometheus.CounterVec
	TenantConnectionInitTime  prometheus.Histogram
	TenantConnectionCloses    *prometheus.CounterVec
	TenantDatabasesProvisions *prometheus.CounterVec

	// Permission engine
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionQueryTotal   *prometheus.CounterVec
	PermissionQueryLatency prometheus.Histogram

	// Query cache
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TenantConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantgate_tenant_connections_active",
				Help: "Number of initialized tenant connection handles",
			},
		),
		TenantConnectionInits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_connection_inits_total",
				Help: "Total number of tenant connection initializations",
			},
			[]string{"kind", "status"},
		),
		TenantConnectionInitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantgate_tenant_connection_init_duration_seconds",
				Help:    "Time spent opening and pinging a tenant data source",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		TenantConnectionCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_connection_closes_total",
				Help: "Total number of tenant connection teardowns",
			},
			[]string{"reason"},
		),
		TenantDatabasesProvisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_database_provisions_total",
				Help: "Total number of tenant database creation attempts",
			},
			[]string{"status"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"result"},
		),
		PermissionQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_permission_queries_total",
				Help: "Total number of structured permission queries",
			},
			[]string{"logic", "status"},
		),
		PermissionQueryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantgate_permission_query_duration_seconds",
				Help:    "Structured permission query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_cache_hits_total",
				Help: "Total number of query cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_cache_misses_total",
				Help: "Total number of query cache misses",
			},
			[]string{"cache_type"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_cache_invalidations_total",
				Help: "Total number of query cache invalidations",
			},
			[]string{"cache_type"},
		),
	}

	registry.MustRegister(
		m.TenantConnectionsActive,
		m.TenantConnectionInits,
		m.TenantConnectionInitTime,
		m.TenantConnectionCloses,
		m.TenantDatabasesProvisions,
		m.PermissionChecksTotal,
		m.PermissionQueryTotal,
		m.PermissionQueryLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
	)

	return m
}

// MetricsHandler returns the /metrics handler for registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// The recording helpers below accept a nil receiver so that components can be
// constructed without a metrics registry.

// RecordTenantInit records one tenant connection initialization attempt
func (m *Metrics) RecordTenantInit(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TenantConnectionInits.WithLabelValues(kind, statusLabel(err)).Inc()
	m.TenantConnectionInitTime.Observe(elapsed.Seconds())
}

// RecordTenantClose records one handle teardown
func (m *Metrics) RecordTenantClose(reason string) {
	if m == nil {
		return
	}
	m.TenantConnectionCloses.WithLabelValues(reason).Inc()
}

// SetActiveTenantConnections updates the active handle gauge
func (m *Metrics) SetActiveTenantConnections(n int) {
	if m == nil {
		return
	}
	m.TenantConnectionsActive.Set(float64(n))
}

// RecordProvision records one CREATE DATABASE attempt
func (m *Metrics) RecordProvision(err error) {
	if m == nil {
		return
	}
	m.TenantDatabasesProvisions.WithLabelValues(statusLabel(err)).Inc()
}

// RecordPermissionCheck records the outcome of a single permission check
func (m *Metrics) RecordPermissionCheck(allowed bool, err error) {
	if m == nil {
		return
	}
	result := "denied"
	switch {
	case err != nil:
		result = "error"
	case allowed:
		result = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordPermissionQuery records a structured permission query
func (m *Metrics) RecordPermissionQuery(logic string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PermissionQueryTotal.WithLabelValues(logic, statusLabel(err)).Inc()
	m.PermissionQueryLatency.Observe(elapsed.Seconds())
}

// RecordCacheLookup records a query cache hit or miss
func (m *Metrics) RecordCacheLookup(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheInvalidation records a query cache invalidation
func (m *Metrics) RecordCacheInvalidation(cacheType string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(cacheType).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
