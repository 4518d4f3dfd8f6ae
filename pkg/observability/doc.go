// Package observability provides structured logging, Prometheus metrics,
// health probes and graceful shutdown for tenantgate.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithTenant("acme").WithError(err).Error("tenant connection failed")
//
// # Metrics
//
// NewMetrics registers every collector on the given registry. The Record*
// helpers accept a nil *Metrics, so components work without a registry.
//
// # Health
//
// HealthChecker reports the shared database, the optional Redis cache and
// every initialized tenant handle. A failing shared database makes the
// service unhealthy; Redis or tenant failures only degrade it.
package observability
