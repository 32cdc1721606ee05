// Command worker runs the background job pool: embedding generation, batch
// imports, consolidation, clustering, and decay, plus the decay scheduler
// and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/database"
	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/lifecycle"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
	"github.com/engram-ai/engram/pkg/resilience"
	"github.com/engram-ai/engram/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Cache.RedisAddress == "" {
		return fmt.Errorf("cache.redis_address is required for the worker")
	}
	logger := observability.NewStandardLoggerWithLevel("engram-worker", observability.LogLevel(cfg.LogLevel))
	metrics := observability.NewPrometheusMetricsClient("engram", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddress,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	jobs := queue.New(redisClient, "", queue.Config{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffMin:  cfg.Worker.BackoffMin,
		BackoffMax:  cfg.Worker.BackoffMax,
	}, logger)
	if err := jobs.EnsureGroups(ctx); err != nil {
		return err
	}

	local := cache.NewMemoryCache(cfg.Cache.LocalMaxItems, cfg.Cache.DefaultTTL)
	tiered := cache.NewTieredCache(cache.NewRedisCacheFromClient(redisClient), local, logger)

	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case "openai":
		provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger)
	default:
		provider = embedding.NewLocalProvider(cfg.Embedding.Dimensions)
	}
	cached := embedding.NewCachedProvider(provider, tiered, cfg.Cache.LongTTL, logger)

	memories := repository.NewMemoryRepository(db, logger)
	relations := repository.NewRelationRepository(db, logger)

	compressor := compression.New(0.3, cfg.Engine.CompressionThreshold, logger)
	eng := engine.New(engine.Options{
		Memories:   memories,
		Relations:  relations,
		Provider:   cached,
		Cache:      tiered,
		Compressor: compressor,
		Jobs:       jobs,
		Config:     cfg.Engine,
		CacheTTL:   cfg.Cache.DefaultTTL,
		Logger:     logger,
		Metrics:    metrics,
	})
	lc := lifecycle.NewEngine(memories, relations, compressor, cfg.Decay, logger)

	pool := worker.NewPool(jobs, logger, metrics)
	pool.Register(worker.NewEmbeddingHandler(memories, cached, logger, metrics),
		cfg.Worker.EmbeddingConcurrency,
		resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Limit: cfg.Worker.EmbeddingRatePerSecond, Period: time.Second,
		}))
	pool.Register(worker.NewBatchImportHandler(eng, logger, metrics), cfg.Worker.BatchConcurrency, nil)
	pool.Register(worker.NewConsolidationHandler(eng, logger, metrics), cfg.Worker.ConsolidationConcurrency, nil)
	if cfg.Engine.EnableClustering {
		pool.Register(worker.NewClusteringHandler(memories, tiered, logger, metrics), cfg.Worker.ClusteringConcurrency, nil)
	}
	pool.Register(worker.NewDecayHandler(lc, redisClient, cfg.Decay.Enabled, logger, metrics),
		cfg.Worker.DecayConcurrency,
		resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Limit: cfg.Worker.DecayRatePerMinute, Period: time.Minute,
		}))

	scheduler := worker.NewDecayScheduler(memories, jobs, time.Hour, 5*time.Minute, logger)
	go scheduler.Run(ctx)

	metricsServer := &http.Server{
		Addr:    cfg.Worker.MetricsListenAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("worker pool starting", map[string]interface{}{
		"embedding_concurrency": cfg.Worker.EmbeddingConcurrency,
		"decay_enabled":         cfg.Decay.Enabled,
		"metrics_address":       cfg.Worker.MetricsListenAddress,
	})
	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("worker pool drained", nil)
	return nil
}
