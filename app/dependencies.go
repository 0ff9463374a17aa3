package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/adgen/config"
	"github.com/upb/adgen/middleware"
	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
	"github.com/upb/adgen/repositories/memory"
	"github.com/upb/adgen/repositories/sqlstore"
	"github.com/upb/adgen/services/breaker"
	"github.com/upb/adgen/services/cache"
	"github.com/upb/adgen/services/fallback"
	"github.com/upb/adgen/services/jobs"
	"github.com/upb/adgen/services/orchestrator"
	"github.com/upb/adgen/services/providers"
	"github.com/upb/adgen/services/providers/anthropic"
	"github.com/upb/adgen/services/providers/gemini"
	"github.com/upb/adgen/services/providers/openai"
	"github.com/upb/adgen/services/retry"
	"github.com/upb/adgen/storage"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *sqlstore.DB // nil with the memory driver
	Logger *zap.Logger

	// Job store
	JobStore    repositories.JobRepository
	StoreHealth repositories.HealthChecker

	// Provider orchestration
	Providers    *providers.Registry
	Breakers     *breaker.Registry
	TextCache    *cache.Cache[*models.GenerationResult]
	ImageCache   *cache.Cache[*models.ImageResult]
	Media        *storage.FileStore
	Orchestrator *orchestrator.Orchestrator

	// Async jobs
	Engine *jobs.Engine

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	policies    map[string]config.ProviderPolicy
	stopCleanup chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
// The job engine is started before returning.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	if err := deps.initJobStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		deps.closeStore()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initOrchestrator(cfg); err != nil {
		deps.closeStore()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	if err := deps.initJobs(ctx, cfg); err != nil {
		close(deps.stopCleanup)
		deps.closeStore()
		return nil, fmt.Errorf("failed to initialize job engine: %w", err)
	}

	deps.AuthMiddleware = middleware.NewAuthMiddlewareFromConfig(cfg.Auth, logger)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initJobStore opens the configured job store and applies migrations
func (d *Dependencies) initJobStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Driver == config.DriverMemory {
		store := memory.NewJobRepository()
		d.JobStore = store
		d.StoreHealth = store
		d.Logger.Warn("using in-memory job store, jobs will not survive a restart")
		return nil
	}

	db, err := sqlstore.Open(cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate job store: %w", err)
	}

	d.DB = db
	d.JobStore = sqlstore.NewJobRepository(db, d.Logger)
	d.StoreHealth = db

	d.Logger.Info("job store ready",
		zap.String("driver", db.Driver()),
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initProviders registers every known adapter. Providers without an API key
// stay registered and are served by the fallback generator.
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry, err := providers.NewRegistryBuilder().
		WithProviderBuilder("openai", func(c providers.ProviderConfig) (providers.Provider, error) {
			return openai.NewOpenAIAdapter(c), nil
		}).
		WithProviderBuilder("gemini", func(c providers.ProviderConfig) (providers.Provider, error) {
			return gemini.NewAdapter(c), nil
		}).
		WithProviderBuilder("anthropic", func(c providers.ProviderConfig) (providers.Provider, error) {
			return anthropic.NewAdapter(c), nil
		}).
		Build(map[string]providers.ProviderConfig{
			"openai":    providerConfig(cfg.Providers.OpenAI),
			"gemini":    providerConfig(cfg.Providers.Gemini),
			"anthropic": providerConfig(cfg.Providers.Anthropic),
		})
	if err != nil {
		return err
	}

	available := 0
	for _, desc := range registry.Descriptors() {
		if desc.Available {
			available++
		}
		d.Logger.Info("provider registered",
			zap.String("provider", desc.Name),
			zap.Bool("available", desc.Available))
	}
	if available == 0 {
		d.Logger.Warn("no AI providers configured, all content will come from the fallback generator")
	}

	d.Providers = registry
	return nil
}

func providerConfig(c config.ProviderConfig) providers.ProviderConfig {
	pc := providers.DefaultProviderConfig()
	pc.APIKey = c.APIKey
	pc.BaseURL = c.BaseURL
	pc.Model = c.Model
	pc.ImageModel = c.ImageModel
	if c.Timeout > 0 {
		pc.Timeout = c.Timeout
	}
	return pc
}

// initOrchestrator builds the resilience layer, caches and media store
// around the provider registry
func (d *Dependencies) initOrchestrator(cfg *config.Config) error {
	policies, err := config.LoadProviderPolicies(cfg.Resilience.PolicyFile)
	if err != nil {
		return err
	}
	d.policies = policies

	res := cfg.Resilience
	baseRetry := retry.Config{
		MaxAttempts: res.RetryMaxAttempts,
		BaseDelay:   res.RetryBaseDelay,
		MaxDelay:    res.RetryMaxDelay,
		Strategy:    retry.Strategy(res.RetryStrategy),
	}
	breakerDefaults := breaker.Config{
		FailureRateThreshold:  res.BreakerFailureRate,
		SlowCallRateThreshold: res.BreakerSlowCallRate,
		SlowCallDuration:      res.BreakerSlowCallDuration,
		WindowSize:            res.BreakerWindowSize,
		MinimumCalls:          res.BreakerMinimumCalls,
		OpenCooldown:          res.BreakerOpenCooldown,
		HalfOpenMaxCalls:      res.BreakerHalfOpenCalls,
	}

	breakerOverrides := make(map[string]breaker.Config, len(policies))
	retryOverrides := make(map[string]*retry.Policy, len(policies))
	timeouts := make(map[string]time.Duration)

	for _, pc := range []struct {
		name    string
		timeout time.Duration
	}{
		{"openai", cfg.Providers.OpenAI.Timeout},
		{"gemini", cfg.Providers.Gemini.Timeout},
		{"anthropic", cfg.Providers.Anthropic.Timeout},
	} {
		if pc.timeout > 0 {
			timeouts[pc.name] = pc.timeout
		}
	}

	for name, p := range policies {
		log := d.Logger.With(zap.String("provider", name))
		if p.Timeout > 0 {
			timeouts[name] = p.Timeout
		}
		if !p.Retry.IsZero() {
			rc := baseRetry
			if p.Retry.MaxAttempts > 0 {
				rc.MaxAttempts = p.Retry.MaxAttempts
			}
			if p.Retry.BaseDelay > 0 {
				rc.BaseDelay = p.Retry.BaseDelay
			}
			if p.Retry.MaxDelay > 0 {
				rc.MaxDelay = p.Retry.MaxDelay
			}
			if p.Retry.Strategy != "" {
				rc.Strategy = retry.Strategy(p.Retry.Strategy)
			}
			retryOverrides[name] = retry.New(rc, log)
		}
		breakerOverrides[name] = breaker.Config{
			FailureRateThreshold:  p.Breaker.FailureRateThreshold,
			SlowCallRateThreshold: p.Breaker.SlowCallRateThreshold,
			SlowCallDuration:      p.Breaker.SlowCallDuration,
			WindowSize:            p.Breaker.WindowSize,
			MinimumCalls:          p.Breaker.MinimumCalls,
			OpenCooldown:          p.Breaker.OpenCooldown,
			HalfOpenMaxCalls:      p.Breaker.HalfOpenMaxCalls,
		}
	}

	d.Breakers = breaker.NewRegistry(breakerDefaults, breakerOverrides, d.Logger)

	d.TextCache = cache.New[*models.GenerationResult](cfg.Cache.MaxEntries, cfg.Cache.TextTTL)
	d.ImageCache = cache.New[*models.ImageResult](cfg.Cache.MaxEntries, cfg.Cache.ImageTTL)
	if interval := cfg.Cache.CleanupInterval; interval > 0 {
		go d.TextCache.StartCleanupWorker(interval, d.stopCleanup)
		go d.ImageCache.StartCleanupWorker(interval, d.stopCleanup)
	}

	media, err := storage.NewFileStore(cfg.Storage.Dir, cfg.Storage.PublicBaseURL)
	if err != nil {
		return err
	}
	d.Media = media

	oc := orchestrator.DefaultConfig()
	if cfg.Cache.TextTTL > 0 {
		oc.TextTTL = cfg.Cache.TextTTL
	}
	if cfg.Cache.ImageTTL > 0 {
		oc.ImageTTL = cfg.Cache.ImageTTL
	}
	oc.Timeouts = timeouts

	d.Orchestrator = orchestrator.New(orchestrator.Deps{
		Providers:      d.Providers,
		Breakers:       d.Breakers,
		TextCache:      d.TextCache,
		ImageCache:     d.ImageCache,
		Fallback:       fallback.New(cfg.Storage.PlaceholderURL),
		Storage:        media,
		Retry:          retry.New(baseRetry, d.Logger),
		RetryOverrides: retryOverrides,
	}, oc, d.Logger)

	d.Logger.Info("orchestrator initialized",
		zap.Int("policies", len(policies)),
		zap.String("media_dir", media.BasePath()))
	return nil
}

// initJobs starts the worker pool; pending jobs from a previous run are resumed
func (d *Dependencies) initJobs(ctx context.Context, cfg *config.Config) error {
	engine := jobs.NewEngine(d.JobStore, jobs.Config{
		Workers:          cfg.Jobs.Workers,
		QueueSize:        cfg.Jobs.QueueSize,
		MaxActivePerUser: cfg.Jobs.MaxActivePerUser,
		JobTimeout:       cfg.Jobs.JobTimeout,
		Retention:        cfg.Jobs.Retention,
		PurgeInterval:    cfg.Jobs.PurgeInterval,
	}, d.Logger)
	jobs.RegisterHandlers(engine, d.Orchestrator)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	d.Engine = engine
	return nil
}

// Policies returns the effective per-provider policies
func (d *Dependencies) Policies() map[string]config.ProviderPolicy {
	return d.policies
}

func (d *Dependencies) closeStore() {
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Engine != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Engine.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop job engine: %w", err))
		} else {
			d.Logger.Info("job engine stopped")
		}
	}

	if d.stopCleanup != nil {
		close(d.stopCleanup)
		d.stopCleanup = nil
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
