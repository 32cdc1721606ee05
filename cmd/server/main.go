// Command server runs the tool-RPC façade over stdio: line-delimited
// JSON-RPC requests in, one response line per request out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/database"
	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/graph"
	"github.com/engram-ai/engram/pkg/lifecycle"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
	"github.com/engram-ai/engram/pkg/tools"
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
	// Stdout carries RPC responses; logs go to stderr via the standard
	// logger, so the two streams never interleave.
	logger := observability.NewStandardLoggerWithLevel("engram-server", observability.LogLevel(cfg.LogLevel))

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

	local := cache.NewMemoryCache(cfg.Cache.LocalMaxItems, cfg.Cache.DefaultTTL)
	var remote cache.Cache
	var redisClient *redis.Client
	if cfg.Cache.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddress,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer redisClient.Close()
		remote = cache.NewRedisCacheFromClient(redisClient)
	}
	tiered := cache.NewTieredCache(remote, local, logger)

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

	var jobs *queue.Queue
	if redisClient != nil {
		jobs = queue.New(redisClient, "", queue.Config{
			MaxAttempts: cfg.Worker.MaxAttempts,
			BackoffMin:  cfg.Worker.BackoffMin,
			BackoffMax:  cfg.Worker.BackoffMax,
		}, logger)
		if err := jobs.EnsureGroups(ctx); err != nil {
			logger.Warn("queue group setup failed, async processing disabled", map[string]interface{}{
				"error": err.Error(),
			})
			jobs = nil
		}
	}

	compressor := compression.New(0.3, cfg.Engine.CompressionThreshold, logger)
	engineOpts := engine.Options{
		Memories:   memories,
		Relations:  relations,
		Provider:   cached,
		Cache:      tiered,
		Compressor: compressor,
		Config:     cfg.Engine,
		CacheTTL:   cfg.Cache.DefaultTTL,
		Logger:     logger,
	}
	if jobs != nil {
		engineOpts.Jobs = jobs
	}
	eng := engine.New(engineOpts)

	traverser := graph.NewTraverser(memories, relations, nil, logger)
	lc := lifecycle.NewEngine(memories, relations, compressor, cfg.Decay, logger)

	service := tools.NewService(eng, traverser, lc, cfg.Engine, logger)
	server := tools.NewServer(service, os.Stdin, os.Stdout, logger)

	logger.Info("server ready", map[string]interface{}{
		"embedding_provider": cfg.Embedding.Provider,
		"async":              jobs != nil && cfg.Engine.EnableAsyncProcessing,
	})
	return server.Run(ctx)
}
