// Package engine wires the federation components together and runs the per-query pipeline.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-federator/internal/alerts"
	"github.com/miradorstack/mirador-federator/internal/cache"
	"github.com/miradorstack/mirador-federator/internal/circuit"
	"github.com/miradorstack/mirador-federator/internal/config"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/health"
	"github.com/miradorstack/mirador-federator/internal/metrics"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/predict"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/scheduler"
	"github.com/miradorstack/mirador-federator/internal/synth"
)

// Runtime owns every long-lived component of the service.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *registry.Registry
	Breakers  *circuit.Manager
	Pool      *connectors.Pool
	Monitor   *health.Monitor
	Analyzer  *predict.Analyzer
	Alerts    *alerts.Hub
	Cache     cache.Provider
	Planner   *planner.Planner
	Scheduler *scheduler.Scheduler
	Pipeline  *Pipeline
}

// RuntimeOption customises runtime construction.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	factories map[string]connectors.Factory
	cache     cache.Provider
}

// WithFactories overrides the connector factories keyed by endpoint kind.
func WithFactories(f map[string]connectors.Factory) RuntimeOption {
	return func(o *runtimeOptions) { o.factories = f }
}

// WithCacheProvider overrides the cache chosen from configuration.
func WithCacheProvider(p cache.Provider) RuntimeOption {
	return func(o *runtimeOptions) { o.cache = p }
}

// NewRuntime builds every component from cfg. The registry is not loaded until Start or
// Reload is called.
func NewRuntime(cfg *config.Config, logger *slog.Logger, opts ...RuntimeOption) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	provider := o.cache
	if provider == nil {
		var err error
		provider, err = newCacheProvider(cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
	}

	intents, err := planner.LoadIntents(cfg.Planner.IntentsPath, logger)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	hub := alerts.NewHub(metrics.ObserveAlertDrop)
	breakers := circuit.NewManager(circuit.WithLogger(logger))
	pool := connectors.NewPool(logger, cfg.Monitor.ProbeTimeout, o.factories)
	analyzer := predict.NewAnalyzer(predict.Config{
		Horizon:     cfg.Prediction.Horizon,
		MinPoints:   cfg.Prediction.MinPoints,
		TrendPoints: cfg.Prediction.TrendPoints,
	})
	monitor := health.NewMonitor(health.Config{
		ProbeTimeout:      cfg.Monitor.ProbeTimeout,
		WindowSize:        cfg.Monitor.WindowSize,
		WindowMaxAge:      cfg.Monitor.WindowMaxAge,
		MinInterval:       cfg.Monitor.MinInterval,
		AlertSuppression:  cfg.Monitor.AlertSuppression,
		LatencySpikeScore: cfg.Monitor.LatencySpikeScore,
	}, pool, breakers,
		health.WithLogger(logger),
		health.WithAnalyzer(analyzer),
		health.WithAlerts(hub),
		health.WithCache(provider),
	)
	sched := scheduler.New(scheduler.Config{
		RequestTimeout:          cfg.Scheduler.RequestTimeout,
		DefaultGroupConcurrency: cfg.Scheduler.DefaultGroupConcurrency,
		ResultCacheTTL:          cfg.Scheduler.ResultCacheTTL,
	}, pool, breakers,
		scheduler.WithObserver(monitor),
		scheduler.WithRisk(analyzer),
		scheduler.WithCache(provider),
		scheduler.WithLogger(logger),
	)
	plan := planner.New(intents, monitor, logger)

	reg := registry.New(cfg.Registry.Path, logger)
	fallback := models.HealthThresholds{Warning: cfg.Monitor.WarningThreshold, Critical: cfg.Monitor.CriticalThreshold}
	reg.SetLoader(func(path string) ([]models.IntegrationGroup, error) {
		return config.LoadRegistryWithThresholds(path, fallback)
	})

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Breakers:  breakers,
		Pool:      pool,
		Monitor:   monitor,
		Analyzer:  analyzer,
		Alerts:    hub,
		Cache:     provider,
		Planner:   plan,
		Scheduler: sched,
		Pipeline:  NewPipeline(logger, reg, plan, sched, synth.New(monitor, logger)),
	}
	reg.OnChange(rt.apply)
	return rt, nil
}

// apply propagates a new registry snapshot. Breakers go first so the monitor and planner never
// see a group without one.
func (rt *Runtime) apply(_ context.Context, snap *registry.Snapshot) error {
	rt.Breakers.Sync(snap.Groups)
	err := rt.Pool.Sync(snap.Groups)
	rt.Monitor.Reconcile(snap.Groups)
	rt.Scheduler.Retain(snap.IDs())
	for _, b := range rt.Breakers.Snapshots() {
		metrics.SetCircuitState(b.GroupID, b.State)
	}
	return err
}

// Start loads the registry, starts the probe loops and watches the registry file. It returns
// once background work is running; cancel ctx to stop it.
func (rt *Runtime) Start(ctx context.Context) error {
	if _, err := rt.Registry.Reload(ctx); err != nil {
		if len(rt.Registry.Snapshot().Groups) == 0 {
			return fmt.Errorf("load registry: %w", err)
		}
		rt.Logger.Warn("registry loaded with connector errors", slog.Any("error", err))
	}
	rt.Monitor.Start(ctx)
	go rt.Registry.Watch(ctx, rt.Config.Registry.ReloadInterval)
	return nil
}

// Close stops the probe loops and releases connectors and the cache.
func (rt *Runtime) Close() error {
	rt.Monitor.Stop()
	rt.Alerts.Close()
	poolErr := rt.Pool.Close()
	cacheErr := rt.Cache.Close()
	if poolErr != nil {
		return poolErr
	}
	return cacheErr
}

func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) (cache.Provider, error) {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider(), nil
	}
	provider, err := cache.NewRedisProvider(cache.RedisConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		KeyPrefix:    cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect cache %s: %w", cfg.Addr, err)
	}
	logger.Info("cache connected", slog.String("addr", cfg.Addr))
	return provider, nil
}
