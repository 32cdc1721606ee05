// Package config loads service configuration from environment variables and
// an optional YAML file, with defaults matching the documented settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	RedisAddress  string        `mapstructure:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	LongTTL       time.Duration `mapstructure:"long_ttl"`
	LocalMaxItems int           `mapstructure:"local_max_items"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // "openai" or "local"
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
}

// EngineConfig bounds ingest and search behavior.
type EngineConfig struct {
	MaxContentSize             int     `mapstructure:"max_content_size"`
	MaxTags                    int     `mapstructure:"max_tags"`
	MaxTagLength               int     `mapstructure:"max_tag_length"`
	MaxUserContextLength       int     `mapstructure:"max_user_context_length"`
	DefaultSearchLimit         int     `mapstructure:"default_search_limit"`
	DefaultSimilarityThreshold float64 `mapstructure:"default_similarity_threshold"`
	EnableAsyncProcessing      bool    `mapstructure:"enable_async_processing"`
	EnableClustering           bool    `mapstructure:"enable_clustering"`
	CompressionThreshold       int     `mapstructure:"compression_threshold"`
}

// DecayConfig tunes the lifecycle engine.
type DecayConfig struct {
	BaseDecayRate       float64  `mapstructure:"base_decay_rate"`
	AccessBoost         float64  `mapstructure:"access_boost"`
	RelationshipBoost   float64  `mapstructure:"relationship_boost"`
	ArchivalThreshold   float64  `mapstructure:"archival_threshold"`
	ExpirationThreshold float64  `mapstructure:"expiration_threshold"`
	PreservationTags    []string `mapstructure:"preservation_tags"`
	RetentionDays       int      `mapstructure:"retention_days"`
	Enabled             bool     `mapstructure:"enabled"`
}

// WorkerConfig sets per-topic concurrency and rate limits.
type WorkerConfig struct {
	EmbeddingConcurrency     int           `mapstructure:"embedding_concurrency"`
	BatchConcurrency         int           `mapstructure:"batch_concurrency"`
	ConsolidationConcurrency int           `mapstructure:"consolidation_concurrency"`
	ClusteringConcurrency    int           `mapstructure:"clustering_concurrency"`
	DecayConcurrency         int           `mapstructure:"decay_concurrency"`
	EmbeddingRatePerSecond   int           `mapstructure:"embedding_rate_per_second"`
	DecayRatePerMinute       int           `mapstructure:"decay_rate_per_minute"`
	MaxAttempts              int           `mapstructure:"max_attempts"`
	BackoffMin               time.Duration `mapstructure:"backoff_min"`
	BackoffMax               time.Duration `mapstructure:"backoff_max"`
	MetricsListenAddress     string        `mapstructure:"metrics_listen_address"`
}

// Config is the complete service configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Decay     DecayConfig     `mapstructure:"decay"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	LogLevel  string          `mapstructure:"log_level"`
}

// DefaultPreservationTags pin a memory to the active state when present.
var DefaultPreservationTags = []string{"permanent", "important", "bookmark", "favorite", "pinned", "preserved"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_idle_time", 30*time.Second)
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.long_ttl", 24*time.Hour)
	v.SetDefault("cache.local_max_items", 1000)

	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)

	v.SetDefault("engine.max_content_size", 1<<20)
	v.SetDefault("engine.max_tags", 20)
	v.SetDefault("engine.max_tag_length", 50)
	v.SetDefault("engine.max_user_context_length", 100)
	v.SetDefault("engine.default_search_limit", 10)
	v.SetDefault("engine.default_similarity_threshold", 0.7)
	v.SetDefault("engine.enable_async_processing", true)
	v.SetDefault("engine.enable_clustering", true)
	v.SetDefault("engine.compression_threshold", 100*1024)

	v.SetDefault("decay.base_decay_rate", 0.01)
	v.SetDefault("decay.access_boost", 0.1)
	v.SetDefault("decay.relationship_boost", 0.05)
	v.SetDefault("decay.archival_threshold", 0.1)
	v.SetDefault("decay.expiration_threshold", 0.01)
	v.SetDefault("decay.preservation_tags", DefaultPreservationTags)
	v.SetDefault("decay.retention_days", 30)
	v.SetDefault("decay.enabled", true)

	v.SetDefault("worker.embedding_concurrency", 3)
	v.SetDefault("worker.batch_concurrency", 2)
	v.SetDefault("worker.consolidation_concurrency", 1)
	v.SetDefault("worker.clustering_concurrency", 1)
	v.SetDefault("worker.decay_concurrency", 2)
	v.SetDefault("worker.embedding_rate_per_second", 10)
	v.SetDefault("worker.decay_rate_per_minute", 5)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_min", 2*time.Second)
	v.SetDefault("worker.backoff_max", 5*time.Second)
	v.SetDefault("worker.metrics_listen_address", ":9090")

	v.SetDefault("log_level", "INFO")
}

// Load reads configuration from the optional file at path and from
// ENGRAM_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required settings and sane ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Engine.DefaultSimilarityThreshold < 0 || c.Engine.DefaultSimilarityThreshold > 1 {
		return fmt.Errorf("engine.default_similarity_threshold must be in [0,1]")
	}
	if c.Decay.RetentionDays <= 0 {
		return fmt.Errorf("decay.retention_days must be positive")
	}
	return nil
}
