// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown for tenantauth.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("Organization switched")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Warn("refresh token reuse detected")
//
// # Metrics
//
// Every method on *Metrics tolerates a nil receiver, so services can be
// constructed without a registry in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveExchange("success")
//
// # Health
//
// HealthChecker exposes /healthz (liveness) and /readyz (Postgres and Redis
// reachability).
package observability
