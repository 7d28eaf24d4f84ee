// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the inkflow server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"inkflow/config"
	"inkflow/internal/cache"
	"inkflow/internal/continuation"
	"inkflow/internal/core"
	"inkflow/internal/livesink"
	"inkflow/internal/observability"
	"inkflow/internal/providers"
	"inkflow/internal/runlog"
	"inkflow/internal/secrets"
	"inkflow/internal/server"
	"inkflow/internal/storage"
	"inkflow/internal/streams"
)

// ShutdownTimeout bounds the graceful shutdown started by Run.
const ShutdownTimeout = 30 * time.Second

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	store   storage.Storage
	runs    runlog.Recorder
	cache   cache.Cache
	metrics *observability.Metrics
	events  *livesink.Broadcaster
	manager *streams.Manager
	server  *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Options holds the configuration options for creating an App.
type Options struct {
	// AppConfig holds the loaded application configuration.
	AppConfig *config.LoadResult
	Logger    *slog.Logger
	// Sinks receive every stream notification in addition to the SSE
	// broadcaster and the log.
	Sinks []core.Sink
	// HTTPClient replaces the pooled provider client.
	HTTPClient *http.Client
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if opts.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	cfg := opts.AppConfig.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{config: cfg, logger: logger}
	if err := a.init(ctx, opts); err != nil {
		if closeErr := a.closeResources(); closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}
	a.logStartupInfo(opts.AppConfig.Path)
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.config

	if cfg.RunLog.Enabled {
		store, err := storage.New(ctx, storageConfig(cfg.Storage))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = store
	}
	runs, err := runlog.New(ctx, runlog.Config{
		Enabled:       cfg.RunLog.Enabled,
		BufferSize:    cfg.RunLog.BufferSize,
		FlushInterval: time.Duration(cfg.RunLog.FlushInterval) * time.Second,
		RetentionDays: cfg.RunLog.RetentionDays,
	}, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize run log: %w", err)
	}
	a.runs = runs

	resultCache, err := newCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize result cache: %w", err)
	}
	a.cache = resultCache

	factoryOpts := []providers.Option{}
	if opts.HTTPClient != nil {
		factoryOpts = append(factoryOpts, providers.WithHTTPClient(opts.HTTPClient))
	}
	var managerMetrics streams.Metrics
	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(observability.DefaultNamespace)
		factoryOpts = append(factoryOpts, providers.WithHooks(a.metrics.LLMHooks()))
		managerMetrics = a.metrics
	}

	lookup := secrets.Chain{secrets.EnvLookup{}}
	if cfg.Secrets.KeyringFile != "" {
		lookup = append(lookup, secrets.NewFileLookup(cfg.Secrets.KeyringFile))
	}

	a.events = livesink.NewBroadcaster(livesink.DefaultBuffer, a.logger)
	sink := livesink.Multi{a.events, livesink.Logging{Logger: a.logger}}
	sink = append(sink, opts.Sinks...)

	a.manager = streams.NewManager(streams.Options{
		Catalog: providers.NewCatalog(cfg.Providers, cfg.ActiveProvider()),
		Factory: providers.NewFactory(lookup, factoryOpts...),
		Sink:    sink,
		Continuation: continuation.Options{
			MaxRounds:          cfg.Continuation.MaxRounds,
			FallbackMaxTokens:  cfg.Continuation.FallbackMaxTokens,
			MaxTranscriptChars: cfg.Continuation.MaxTranscriptChars,
			Markers:            cfg.Continuation.Markers,
			Logger:             a.logger,
		},
		Cache:   a.cache,
		Runs:    a.runs,
		Metrics: managerMetrics,
		Logger:  a.logger,
	})

	serverCfg := &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		Logger:          a.logger,
	}
	if a.metrics != nil {
		serverCfg.MetricsHandler = a.metrics.Handler()
	}
	a.server = server.New(a.manager, a.events, serverCfg)
	return nil
}

func storageConfig(c config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       c.Type,
		SQLite:     storage.SQLiteConfig{Path: c.SQLitePath},
		PostgreSQL: storage.PostgreSQLConfig{URL: c.PostgreSQL.URL, MaxConns: c.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: c.MongoDB.URL, Database: c.MongoDB.Database},
	}
}

func newCache(c config.CacheConfig) (cache.Cache, error) {
	ttl := time.Duration(c.TTL) * time.Second
	switch c.Type {
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{URL: c.Redis.URL, Prefix: c.Redis.Prefix, TTL: ttl})
	default:
		return cache.NewLocalCache(ttl, c.MaxEntries), nil
	}
}

// Manager returns the stream manager.
func (a *App) Manager() *streams.Manager {
	return a.manager
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Run serves on addr until ctx is cancelled or the server fails, then shuts
// everything down.
func (a *App) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server, running streams, the run log (flushing pending records),
// the result cache and the database.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Error("stream shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("streams shutdown: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.logger.Error("run log close error", "error", err)
			errs = append(errs, fmt.Errorf("run log close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(configPath string) {
	cfg := a.config
	if configPath != "" {
		a.logger.Info("configuration loaded", "path", configPath)
	}

	if cfg.Server.MasterKey == "" {
		a.logger.Warn("MASTER_KEY not set - API is unauthenticated",
			"recommendation", "set MASTER_KEY to protect /v1 routes")
	} else {
		a.logger.Info("authentication enabled", "mode", "master_key")
	}

	a.logger.Info("providers configured", "ids", cfg.ProviderIDs(), "default", cfg.ActiveProvider())
	if len(cfg.Providers) == 0 {
		a.logger.Warn("no providers configured; every stream will fail at the settings stage")
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}

	if cfg.RunLog.Enabled {
		a.logger.Info("run log enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.RunLog.BufferSize,
			"retention_days", cfg.RunLog.RetentionDays,
		)
	} else {
		a.logger.Info("run log disabled")
	}
	a.logger.Info("result cache configured", "type", cfg.Cache.Type)
}
