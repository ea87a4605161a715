package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campus/pkg/async"
	"github.com/platinummonkey/campus/pkg/audit"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/branches"
	"github.com/platinummonkey/campus/pkg/config"
	"github.com/platinummonkey/campus/pkg/httputil"
	"github.com/platinummonkey/campus/pkg/middleware"
	"github.com/platinummonkey/campus/pkg/observability"
	"github.com/platinummonkey/campus/pkg/rbac"
	"github.com/platinummonkey/campus/pkg/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxRequestBytes = 1 << 20
	healthInterval  = 30 * time.Second
	dbStatsInterval = 15 * time.Second
	jobTimeout      = 5 * time.Minute
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Run database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "campus")

	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("campus exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns, err := postgres.NewConnectionManager(postgres.ConfigFromDatabase(cfg.Database), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conns.Close()

	if err := rbac.RunMigrations(ctx, conns.Primary(), logger); err != nil {
		return err
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return nil
	}
	go conns.StartHealthCheckRoutine(ctx, healthInterval)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	manager := rbac.NewManager(conns.Primary(), cfg.Authz, logger)
	defer manager.Close()
	if cfg.Observability.MetricsEnabled {
		manager.WithMetrics(metrics)
	}
	manager.WithBranchLister(branches.NewStore(conns.Replica()))

	auditLogger, err := newAuditLogger(conns, logger)
	if err != nil {
		return err
	}
	defer auditLogger.Close()
	manager.WithAudit(auditLogger)

	var redisClient *postgres.RedisClient
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		if err := manager.EnableInvalidation(ctx, redisClient.Client()); err != nil {
			return fmt.Errorf("failed to enable cache invalidation: %w", err)
		}
	} else {
		logger.Warn("Redis not configured, cache invalidation is local only")
	}

	seed, err := rbac.LoadSeed(cfg.Authz.SeedPath)
	if err != nil {
		return err
	}
	if _, _, err := manager.Reseed(ctx, seed); err != nil {
		return err
	}
	if cfg.Authz.WatchSeed {
		watcher, err := manager.WatchSeed(ctx, cfg.Authz.SeedPath)
		if err != nil {
			return fmt.Errorf("failed to watch seed: %w", err)
		}
		defer watcher.Close()
	}

	tokens := auth.NewTokenManager(conns.Primary())
	authenticator := &auth.BearerAuthenticator{Tokens: tokens}
	if cfg.Auth.OIDCIssuerURL != "" {
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, auth.OIDCConfig{
			IssuerURL:     cfg.Auth.OIDCIssuerURL,
			ClientID:      cfg.Auth.OIDCClientID,
			UsernameClaim: cfg.Auth.OIDCUsernameClaim,
			UseUserInfo:   cfg.Auth.OIDCUserInfo,
		}, manager.Users)
		if err != nil {
			return err
		}
		authenticator.OIDC = oidcAuth
	}
	scheduler, err := startScheduler(ctx, cfg.Authz, manager, tokens, logger)
	if err != nil {
		return err
	}

	go recordDBStats(ctx, conns, metrics)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiRouter(manager, authenticator, metrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var redisForHealth *redis.Client
	if redisClient != nil {
		redisForHealth = redisClient.Client()
	}
	checker := observability.NewHealthChecker(conns.Primary(), redisForHealth, version)
	checker.AddCheck("catalog", func(ctx context.Context) error {
		roles, err := manager.Catalog.ListRoles(ctx)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			return fmt.Errorf("role catalog is empty")
		}
		return nil
	})
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, checker)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopped := scheduler.Stop()
		select {
		case <-stopped.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			defer observability.RecoverPanic(logger, "http server "+srv.Addr)
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Errorf("Server %s failed", srv.Addr)
				// wake WaitForShutdown so the other server drains too
				if p, err := os.FindProcess(os.Getpid()); err == nil {
					_ = p.Signal(syscall.SIGTERM)
				}
			}
		}(srv)
	}

	return shutdown.WaitForShutdown()
}

func apiRouter(manager *rbac.Manager, authenticator auth.Authenticator, metrics *observability.Metrics, logger *observability.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		observability.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
		httputil.ContentTypeMiddleware,
		middleware.NewAuthMiddleware(authenticator, false).WithLogger(logger).Handler,
	)
	manager.RegisterRoutes(api)

	return otelhttp.NewHandler(router, "campus")
}

func newAuditLogger(conns *postgres.ConnectionManager, logger *observability.Logger) (audit.Logger, error) {
	dbLogger, err := audit.NewDBLogger(conns.Primary())
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	multi := audit.NewMultiLogger(dbLogger, audit.NewStructuredLogger(logger.WithField("component", "audit")))
	multi.SetAsync(true)
	return multi, nil
}

func startScheduler(ctx context.Context, cfg config.AuthzConfig, manager *rbac.Manager, tokens *auth.TokenManager, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New()

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"layering check", cfg.LayeringSchedule, func(ctx context.Context) error {
			_, err := manager.CheckLayering(ctx)
			return err
		}},
		{"token cleanup", cfg.TokenCleanupSchedule, func(ctx context.Context) error {
			n, err := tokens.CleanupExpiredTokens(ctx)
			if err == nil && n > 0 {
				logger.WithField("removed", n).Info("Expired API tokens removed")
			}
			return err
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, func() {
			async.Go(ctx, logger, jobTimeout, job.name, job.fn)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
		logger.Infof("Scheduled %s: %s", job.name, job.spec)
	}

	c.Start()
	return c, nil
}

func recordDBStats(ctx context.Context, conns *postgres.ConnectionManager, metrics *observability.Metrics) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(conns.Primary().Stats())
		}
	}
}
