package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campus/pkg/audit"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/branches"
	"github.com/platinummonkey/campus/pkg/cache"
	"github.com/platinummonkey/campus/pkg/config"
	"github.com/platinummonkey/campus/pkg/observability"
)

// seedReloadDelay debounces editor bursts on the seed file
const seedReloadDelay = 500 * time.Millisecond

// Manager wires the authorization core together
type Manager struct {
	Store       *Store
	Catalog     *Catalog
	Resolver    *Resolver
	Engine      *Engine
	Interceptor *Interceptor
	Handlers    *Handlers
	Branches    *branches.Service
	Users       *auth.UserStore

	config      config.AuthzConfig
	metrics     *observability.Metrics
	logger      *observability.Logger
	invalidator *Invalidator
}

// NewManager builds every component over db, the primary
func NewManager(db *sql.DB, cfg config.AuthzConfig, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	store := NewStore(db)
	users := auth.NewUserStore(db)
	branchService := branches.NewService(branches.NewStore(db), cacheConfig("branches", cfg))
	catalog := NewCatalog(store, cacheConfig("catalog", cfg))
	resolver := NewResolver(store, logger)
	engine := NewEngine(users, branchService, store, catalog, resolver).WithLogger(logger)

	return &Manager{
		Store:       store,
		Catalog:     catalog,
		Resolver:    resolver,
		Engine:      engine,
		Interceptor: NewInterceptor(engine),
		Handlers:    NewHandlers(engine, catalog, store, resolver, branchService, users).WithLogger(logger),
		Branches:    branchService,
		Users:       users,
		config:      cfg,
		logger:      logger.WithField("component", "rbac.manager"),
	}
}

func cacheConfig(name string, cfg config.AuthzConfig) *cache.Config {
	c := cache.DefaultConfig(name)
	if cfg.CacheTTL > 0 {
		c.TTL = cfg.CacheTTL
	}
	if cfg.CacheSize > 0 {
		c.MaxEntries = cfg.CacheSize
	}
	return c
}

// WithMetrics reports decisions, cache activity, invalidations and layering
// findings to m
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	m.Engine.WithMetrics(metrics)
	m.Catalog.WithRecorder(metrics)
	m.Branches.WithRecorder(metrics)
	if m.invalidator != nil {
		m.invalidator.WithMetrics(metrics)
	}
	return m
}

// WithAudit sends denials, and allows when configured, plus admin changes to
// logger
func (m *Manager) WithAudit(logger audit.Logger) *Manager {
	m.Engine.WithAudit(logger, m.config.AuditAllows)
	m.Handlers.WithAudit(logger)
	return m
}

// WithBranchLister serves branch listings from l, normally a replica store
func (m *Manager) WithBranchLister(l BranchLister) *Manager {
	m.Handlers.WithBranchLister(l)
	return m
}

// EnableInvalidation subscribes to cross-instance invalidations and publishes
// every local write
func (m *Manager) EnableInvalidation(ctx context.Context, client *redis.Client) error {
	inv := NewInvalidator(client, m.logger, m.Branches, m.Catalog)
	if m.metrics != nil {
		inv.WithMetrics(m.metrics)
	}
	if err := inv.Start(ctx); err != nil {
		return err
	}

	m.Branches.OnInvalidate(inv.Notifier("branches"))
	m.Catalog.OnInvalidate(inv.Notifier("catalog"))
	m.invalidator = inv
	return nil
}

// Reseed applies seed, invalidates the catalog everywhere and reports any
// layering findings. Findings are logged; they never fail the reseed.
func (m *Manager) Reseed(ctx context.Context, seed *Seed) (*SeedResult, []LayeringFinding, error) {
	result, err := ApplySeed(ctx, m.Store, seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply seed: %w", err)
	}
	m.Catalog.Invalidate()

	m.logger.WithFields(map[string]interface{}{
		"modules":     result.Modules,
		"permissions": result.Permissions,
		"roles":       result.Roles,
	}).Info("seed catalog applied")

	findings, err := m.CheckLayering(ctx)
	if err != nil {
		return result, nil, err
	}
	return result, findings, nil
}

// CheckLayering runs the layering check and logs each finding
func (m *Manager) CheckLayering(ctx context.Context) ([]LayeringFinding, error) {
	findings, err := m.Catalog.VerifyLayering(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify layering: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordLayeringFindings(len(findings))
	}
	for _, f := range findings {
		m.logger.WithFields(map[string]interface{}{
			"permission":   f.Permission,
			"held_by":      string(f.HeldBy),
			"missing_from": string(f.MissingFrom),
		}).Warn("role layering violated")
	}
	return findings, nil
}

// WatchSeed re-applies the seed at path whenever it changes. The returned
// watcher runs until ctx is done.
func (m *Manager) WatchSeed(ctx context.Context, path string) (*SeedWatcher, error) {
	reload := func(ctx context.Context) error {
		seed, err := LoadSeed(path)
		if err != nil {
			return err
		}
		_, _, err = m.Reseed(ctx, seed)
		return err
	}

	watcher, err := NewSeedWatcher(path, seedReloadDelay, reload, m.logger)
	if err != nil {
		return nil, err
	}
	go watcher.Run(ctx)
	return watcher, nil
}

// RegisterRoutes mounts the admin API on router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.Handlers.RegisterRoutes(router)
}

// Close stops the invalidation subscriber
func (m *Manager) Close() error {
	if m.invalidator == nil {
		return nil
	}
	return m.invalidator.Close()
}
