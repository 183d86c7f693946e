// Package app assembles the workflow engine and the infrastructure behind it
// from a loaded configuration. Both the HTTP daemon and the operator CLI
// build their engine here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/aipipeline"
	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/directory"
	"github.com/pitabwire/listflow/internal/observability"
	"github.com/pitabwire/listflow/internal/workflow"
)

// Components is the wired dependency graph. Close releases everything that
// holds a connection or a goroutine.
type Components struct {
	Store       workflow.Store
	Directory   *directory.Cached
	Idempotency workflow.IdempotencyStore
	Breaker     *aipipeline.Breaker
	Dispatcher  *aipipeline.Dispatcher
	Engine      *workflow.Engine

	// Readiness reports on the same dependencies the engine uses.
	Readiness observability.ReadinessChecks

	closers []func()
}

// Close releases the components in reverse construction order.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Options tune Build for a particular binary.
type Options struct {
	// Metrics, when set, receives engine, cache, retry and breaker signals.
	Metrics *observability.Metrics

	// DisableAsync skips the AI dispatcher even when workers are configured.
	DisableAsync bool
}

// Build wires store, directory, AI client, dispatcher, idempotency store and
// engine. On error everything built so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Store, err = c.buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	c.Readiness.Store = observability.HealthCheckFunc(c.Store.Ping)

	if err := c.buildDirectory(cfg.Directory, opts.Metrics, logger); err != nil {
		return nil, err
	}

	ai := c.buildAI(cfg.AI, opts.Metrics, logger)

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithAITimeout(cfg.Workflow.AITimeout),
	}
	if opts.Metrics != nil {
		engineOpts = append(engineOpts, workflow.WithObserver(observability.NewWorkflowObserver(opts.Metrics)))
	}

	if cfg.Idempotency.Enabled {
		if err := c.buildIdempotency(ctx, cfg.Idempotency.Store, logger); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, workflow.WithIdempotencyStore(c.Idempotency, cfg.Idempotency.Store.DefaultTTL))
	}

	if cfg.AI.Async.Workers > 0 && !opts.DisableAsync {
		c.Dispatcher = aipipeline.NewDispatcher(aipipeline.DispatcherConfig{
			Workers:   cfg.AI.Async.Workers,
			QueueSize: cfg.AI.Async.QueueSize,
			Timeout:   cfg.Workflow.AITimeout,
			Retention: cfg.AI.Async.Retention,
		}, logger.Named("dispatcher"))
		c.closers = append(c.closers, c.Dispatcher.Close)
		engineOpts = append(engineOpts, workflow.WithDispatcher(c.Dispatcher))
		logger.Info("ai dispatcher started",
			zap.Int("workers", cfg.AI.Async.Workers),
			zap.Int("queue_size", cfg.AI.Async.QueueSize),
		)
	}

	c.Engine = workflow.NewEngine(c.Store, c.Directory, ai, engineOpts...)
	return c, nil
}

func (c *Components) buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Info("using in-memory item store")
		return workflow.NewMemoryStore(), nil

	case config.StoreSQLite:
		s, err := workflow.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("item store: %w", err)
		}
		c.closers = append(c.closers, func() {
			if err := s.Close(); err != nil {
				logger.Error("sqlite close failed", zap.Error(err))
			}
		})
		logger.Info("using sqlite item store", zap.String("path", cfg.SQLitePath))
		return s, nil

	case config.StorePostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("item store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("item store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = cfg.MinConns
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("item store: connect: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("item store: ping: %w", err)
		}

		s := workflow.NewPgStore(pool)
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("item store: migrate: %w", err)
			}
			logger.Info("item store schema migrated")
		}
		logger.Info("using postgres item store",
			zap.Int32("max_conns", poolCfg.MaxConns),
			zap.Int32("min_conns", poolCfg.MinConns),
		)
		return s, nil

	default:
		return nil, fmt.Errorf("item store: unsupported driver %q", cfg.Driver)
	}
}

func (c *Components) buildDirectory(cfg config.DirectoryConfig, metrics *observability.Metrics, logger *zap.Logger) error {
	var source directory.Source
	switch cfg.Source {
	case config.DirectoryStatic:
		static, err := directory.NewStaticDirectory(cfg.File)
		if err != nil {
			return err
		}
		c.Readiness.Directory = observability.HealthCheckFunc(func(context.Context) error {
			if static.Len() == 0 {
				return errors.New("no users loaded")
			}
			return nil
		})
		logger.Info("user directory loaded", zap.String("file", cfg.File), zap.Int("users", static.Len()))
		source = static
	default:
		source = c.Store
	}

	var opts []directory.CacheOption
	if metrics != nil {
		opts = append(opts, directory.WithCacheObserver(metrics.RecordDirectoryCacheHit, metrics.RecordDirectoryCacheMiss))
	}
	c.Directory = directory.NewCached(source, cfg.CacheTTL, opts...)
	return nil
}

func (c *Components) buildAI(cfg config.AIConfig, metrics *observability.Metrics, logger *zap.Logger) *aipipeline.Client {
	aiLogger := logger.Named("ai")
	c.Breaker = aipipeline.NewBreaker(aipipeline.BreakerSettings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Cooldown:         cfg.CircuitBreaker.Timeout,
		ErrorRate:        cfg.CircuitBreaker.ErrorRateThreshold,
		RateWindow:       cfg.CircuitBreaker.ErrorRateWindow,
	})

	opts := []aipipeline.ClientOption{
		aipipeline.WithBreaker(c.Breaker),
		aipipeline.WithLogger(aiLogger),
		aipipeline.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BackoffInitial, cfg.Retry.BackoffMax),
	}
	c.Readiness.AIGateway = observability.HealthCheckFunc(func(context.Context) error {
		if c.Breaker.State() == aipipeline.BreakerOpen {
			return aipipeline.ErrBreakerOpen
		}
		return nil
	})
	if metrics != nil {
		metrics.WatchBreaker(c.Breaker, aiLogger)
		opts = append(opts, aipipeline.WithRetryHook(metrics.RecordAIRetry))
	}

	return aipipeline.NewClient(aipipeline.ClientConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey(),
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, opts...)
}

func (c *Components) buildIdempotency(ctx context.Context, cfg config.IdempotencyStoreConfig, logger *zap.Logger) error {
	switch cfg.Driver {
	case config.IdempotencyRedis:
		addr := cfg.Addr()
		if addr == "" {
			return fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		c.closers = append(c.closers, func() {
			if err := client.Close(); err != nil {
				logger.Error("redis close failed", zap.Error(err))
			}
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("idempotency store: ping: %w", err)
		}
		s := workflow.NewRedisIdempotencyStore(client, cfg.KeyPrefix)
		c.Idempotency = s
		c.Readiness.IdempotencyStore = observability.HealthCheckFunc(s.Ping)
		logger.Info("using redis idempotency store", zap.Int("db", cfg.DB))
	default:
		c.Idempotency = workflow.NewMemoryIdempotencyStore()
		logger.Info("using in-memory idempotency store")
	}
	return nil
}
