// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("branch_id", 3).Info("branch deactivated")
//
// Request-scoped loggers pick up request, user and trace ids from the context:
//
//	observability.FromContext(ctx, logger).Warn("primary role missing")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("out_of_scope", elapsed)
//
// Metrics also implements the cache recorder used by the hierarchy and
// catalog caches.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("catalog", catalogLoaded)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "campus",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
