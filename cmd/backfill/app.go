package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/config"
	"github.com/kailas-cloud/backfill/internal/db/elastic"
	dbRedis "github.com/kailas-cloud/backfill/internal/db/redis"
	"github.com/kailas-cloud/backfill/internal/domain"
	logpkg "github.com/kailas-cloud/backfill/internal/logger"
	"github.com/kailas-cloud/backfill/internal/metrics"
	budgetrepo "github.com/kailas-cloud/backfill/internal/repository/budget"
	documentrepo "github.com/kailas-cloud/backfill/internal/repository/document"
	"github.com/kailas-cloud/backfill/internal/repository/embcache"
	chiTransport "github.com/kailas-cloud/backfill/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/backfill/internal/transport/openai"
	"github.com/kailas-cloud/backfill/internal/usecase/backfill"
	embeddinguc "github.com/kailas-cloud/backfill/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/backfill/internal/usecase/health"
	"github.com/kailas-cloud/backfill/internal/usecase/scheduler"
	usageuc "github.com/kailas-cloud/backfill/internal/usecase/usage"
	"github.com/kailas-cloud/backfill/internal/version"
)

type options struct {
	env        string
	logLevel   string
	interval   time.Duration // zero keeps backfill.interval_sec
	continuous bool
}

// app holds the long-lived clients shared by every pass.
type app struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	closers   []func()
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// bootstrap is the composition root. Startup connectivity failures return an exit-code error.
func bootstrap(ctx context.Context, opts options) (_ *app, err error) {
	cfg, err := config.Load(opts.env)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to load config: %v", err), 1)
	}

	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := logpkg.NewLogger(opts.env, level)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to create logger: %v", err), 1)
	}

	a := &app{logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("Starting embedding backfill",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", opts.env),
		zap.Strings("elastic_addresses", cfg.Elastic.Addresses),
		zap.String("index_pattern", cfg.Backfill.IndexPattern),
		zap.String("model", cfg.Embedding.Model),
	)

	// Explicit registration, no init().
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterBackfillMetrics()

	store, err := newElasticStore(cfg.Elastic)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to create search engine client: %v", err), 1)
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Elastic.ReadinessTimeout)*time.Second); err != nil {
		logger.Error("Search engine not reachable", zap.Error(err))
		return nil, cli.Exit(fmt.Errorf("%w: search engine: %w", domain.ErrConnectivity, err), 1)
	}
	if v, verr := store.Version(ctx); verr == nil {
		logger.Info("Connected to Elasticsearch", zap.String("version", v))
	}

	cache := newCacheStore(ctx, cfg.Cache, logger)
	if cache != nil {
		a.closers = append(a.closers, cache.Close)
	}

	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		RequestDimensions: cfg.Embedding.RequestDimensions,
		Timeout:           time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		Provider:          cfg.Embedding.Provider,
		Logger:            logger,
	})
	embedder, tracker := buildEmbedder(ctx, base, cfg.Embedding, cfg.Cache, cache, logger)

	// The startup embed bypasses cache and budget so it always reaches the provider.
	health := healthuc.New(store, embedder).WithEmbedCheck(base)
	if cache != nil {
		health.WithCache(cache)
	}
	if err := health.Verify(ctx); err != nil {
		logger.Error("Startup connectivity check failed", zap.Error(err))
		return nil, cli.Exit(err.Error(), 1)
	}
	logger.Info("Connections verified")

	engine, err := backfill.New(
		documentrepo.New(store, logger),
		embedder,
		backfill.Config{
			IndexPattern:  cfg.Backfill.IndexPattern,
			BatchSize:     cfg.Backfill.BatchSize,
			DocumentDelay: cfg.Backfill.DocumentDelay(),
			Model:         base.Model(),
			MaxAttempts:   *cfg.Backfill.MaxAttempts,
			Workers:       cfg.Backfill.Workers,
		},
		logger,
	)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid backfill config: %v", err), 1)
	}
	a.closers = append(a.closers, engine.Close)

	interval := opts.interval
	if interval == 0 {
		interval = cfg.Backfill.Interval()
	}
	a.scheduler, err = scheduler.New(engine, interval, logger)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}

	if cfg.Metrics.Port > 0 {
		var state chiTransport.StateReporter
		if opts.continuous {
			state = a.scheduler
		}
		var usage chiTransport.UsageReporter
		if tracker != nil {
			usage = usageuc.New(tracker, cfg.Embedding.Provider)
		}
		router := chiTransport.NewRouter(health, state, usage, logger)
		srv := chiTransport.NewServer(cfg.Metrics.Port, router, logger)
		if err := srv.Start(); err != nil {
			return nil, cli.Exit(err.Error(), 1)
		}
		shutdownTimeout := time.Duration(cfg.Metrics.ShutdownSec) * time.Second
		a.closers = append(a.closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Error("Error during ops server shutdown", zap.Error(err))
			}
		})
	}

	return a, nil
}

func newElasticStore(cfg config.ElasticConfig) (*elastic.Store, error) {
	var caCert []byte
	if cfg.CACert != "" {
		pem, err := os.ReadFile(filepath.Clean(cfg.CACert))
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		caCert = pem
	}
	return elastic.NewStore(elastic.Config{
		Addresses:          cfg.Addresses,
		Username:           cfg.Username,
		Password:           cfg.Password,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CACert:             caCert,
		RetryOnConflict:    cfg.RetryOnConflict,
	})
}

// newCacheStore connects the optional Valkey/Redis store. Failures disable the
// cache and budget persistence instead of stopping the worker.
func newCacheStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) *dbRedis.Store {
	if !cfg.Enabled() {
		return nil
	}
	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.AddrList(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		logger.Warn("Cache store disabled", zap.Error(err))
		return nil
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.ReadinessSec)*time.Second); err != nil {
		logger.Warn("Cache store not ready, continuing without it", zap.Error(err))
		store.Close()
		return nil
	}
	logger.Info("Connected to cache store", zap.Strings("addrs", cfg.AddrList()))
	return store
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instrumented.
// The tracker is nil when no token budget is configured.
func buildEmbedder(
	ctx context.Context,
	base *openaiEmb.Embedder,
	cfg config.EmbeddingConfig,
	cacheCfg config.CacheConfig,
	cache *dbRedis.Store,
	logger *zap.Logger,
) (*embeddinguc.InstrumentedEmbedder, *embeddinguc.BudgetTracker) {
	var embedder domain.Embedder = base
	if cache != nil {
		embedder = embcache.New(base, cache, embcache.Options{
			Model:      base.Model(),
			Dimensions: cfg.Dimensions,
			TTL:        time.Duration(cacheCfg.TTLHours) * time.Hour,
			Lookups:    metrics.EmbeddingCacheTotal,
		}, logger)
	}

	if !cfg.Budget.Enabled() {
		// nil interface, not a typed nil pointer
		return embeddinguc.NewInstrumentedEmbedder(embedder, cfg.Provider, base.Model(), nil, logger), nil
	}

	action := embeddinguc.BudgetActionWarn
	if cfg.Budget.Action == string(embeddinguc.BudgetActionReject) {
		action = embeddinguc.BudgetActionReject
	}
	tracker := embeddinguc.NewBudgetTracker(embeddinguc.BudgetConfig{
		Provider:     cfg.Provider,
		DailyLimit:   cfg.Budget.DailyTokenLimit,
		MonthlyLimit: cfg.Budget.MonthlyTokenLimit,
		Action:       action,
	}, logger)
	if cache != nil {
		tracker.WithStore(ctx, budgetrepo.New(cache, 0, 0))
	}
	return embeddinguc.NewInstrumentedEmbedder(embedder, cfg.Provider, base.Model(), tracker, logger), tracker
}
