// Package engine implements the memory service core: ingest with
// deduplication and compression, vector search, graph-expanded recall,
// consolidation, and relation management.
package engine

import (
	"context"
	"time"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
)

// memoryStore is the repository surface the engine drives.
type memoryStore interface {
	Create(ctx context.Context, m *models.Memory) error
	GetByID(ctx context.Context, userContext, id string) (*models.Memory, error)
	FindByHash(ctx context.Context, userContext, hash string) (*models.Memory, error)
	KNNSearch(ctx context.Context, userContext string, qvec models.Vector, filters repository.SearchFilters, threshold float64, limit int) ([]*models.Memory, error)
	List(ctx context.Context, userContext string, filters repository.SearchFilters, limit, offset int) ([]*models.Memory, error)
	BumpAccess(ctx context.Context, ids []string) error
	UpdateFields(ctx context.Context, userContext, id string, updates map[string]interface{}, preserveTimestamps bool) (*models.Memory, error)
	SoftDelete(ctx context.Context, userContext string, ids []string) (int64, error)
	SetClusterIDs(ctx context.Context, ids []string, clusterID *string) error
	ListEmbedded(ctx context.Context, userContext string, ids []string) ([]*models.Memory, error)
	Exists(ctx context.Context, userContext, id string) (bool, error)
	Stats(ctx context.Context, userContext string) (*models.MemoryStats, error)
	ListTags(ctx context.Context, userContext string) (map[string]int, error)
	ListClusters(ctx context.Context, userContext string) ([]models.ClusterInfo, error)
}

// relationStore is the edge surface the engine drives.
type relationStore interface {
	Upsert(ctx context.Context, from, to string, relType models.RelationType, strength float64) (*models.MemoryRelation, error)
	Delete(ctx context.Context, from, to string) (bool, error)
	ForMemory(ctx context.Context, id string) ([]*models.MemoryRelation, error)
	Outgoing(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error)
	Incoming(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error)
	Count(ctx context.Context, userContext string) (int, error)
}

// enqueuer submits background jobs.
type enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, priority int, payload interface{}) (string, error)
}

// Engine coordinates storage, embedding, caching, and background work.
type Engine struct {
	memories   memoryStore
	relations  relationStore
	provider   embedding.Provider
	cache      *cache.TieredCache
	compressor *compression.Compressor
	jobs       enqueuer
	cfg        config.EngineConfig
	cacheTTL   time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// Options wires an engine together. Cache, jobs, and metrics are optional.
type Options struct {
	Memories   memoryStore
	Relations  relationStore
	Provider   embedding.Provider
	Cache      *cache.TieredCache
	Compressor *compression.Compressor
	Jobs       enqueuer
	Config     config.EngineConfig
	CacheTTL   time.Duration
	Logger     observability.Logger
	Metrics    observability.MetricsClient
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Compressor == nil {
		opts.Compressor = compression.New(0.3, opts.Config.CompressionThreshold, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Config.DefaultSearchLimit <= 0 {
		opts.Config.DefaultSearchLimit = 10
	}
	if opts.Config.DefaultSimilarityThreshold <= 0 {
		opts.Config.DefaultSimilarityThreshold = 0.7
	}
	return &Engine{
		memories:   opts.Memories,
		relations:  opts.Relations,
		provider:   opts.Provider,
		cache:      opts.Cache,
		compressor: opts.Compressor,
		jobs:       opts.Jobs,
		cfg:        opts.Config,
		cacheTTL:   opts.CacheTTL,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// outputCopy prepares a memory for callers: compressed content is presented
// as its stored summary text.
func outputCopy(m *models.Memory) *models.Memory {
	if !m.IsCompressed {
		return m
	}
	out := *m
	text := compression.Decompress(m.Content.Text())
	if content, err := models.NewJSONValue(map[string]string{"text": text}); err == nil {
		out.Content = content
	}
	out.IsCompressed = false
	return &out
}

func outputCopies(ms []*models.Memory) []*models.Memory {
	out := make([]*models.Memory, len(ms))
	for i, m := range ms {
		out[i] = outputCopy(m)
	}
	return out
}

// invalidate drops the cached row and all cached search results that might
// contain it.
func (e *Engine) invalidate(ctx context.Context, memoryID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateMemory(ctx, memoryID); err != nil {
		e.logger.Warn("cache invalidation failed", map[string]interface{}{
			"memory_id": memoryID,
			"error":     err.Error(),
		})
	}
}

func userContextOrDefault(userContext string) string {
	if userContext == "" {
		return models.DefaultUserContext
	}
	return userContext
}
