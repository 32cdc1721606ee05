package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/graph"
	"github.com/engram-ai/engram/pkg/lifecycle"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/repository"
)

// memoryService is the engine surface the façade calls.
type memoryService interface {
	Store(ctx context.Context, in engine.StoreInput) (*engine.StoreResult, error)
	BatchStore(ctx context.Context, items []engine.StoreInput) []engine.BatchStoreResult
	Search(ctx context.Context, in engine.SearchInput) ([]*models.Memory, error)
	List(ctx context.Context, userContext string, typ *models.MemoryType, tags []string, limit, offset int) ([]*models.Memory, error)
	Update(ctx context.Context, userContext, id string, updates map[string]interface{}, preserveTimestamps bool) (*models.Memory, error)
	Delete(ctx context.Context, userContext, id string) (bool, error)
	DeleteByHash(ctx context.Context, userContext, hash string) (bool, error)
	BatchDelete(ctx context.Context, userContext string, ids []string) (int64, error)
	GraphSearch(ctx context.Context, in engine.GraphSearchInput) ([]*engine.GraphMatch, error)
	Consolidate(ctx context.Context, in engine.ConsolidateInput) (*engine.ConsolidateResult, error)
	CreateRelation(ctx context.Context, userContext, from, to string, relType models.RelationType, strength float64, bidirectional bool) ([]*models.MemoryRelation, error)
	DeleteRelation(ctx context.Context, userContext, from, to string) (bool, error)
	ListRelations(ctx context.Context, userContext, id string) ([]*models.MemoryRelation, error)
	Stats(ctx context.Context, userContext string) (*models.MemoryStats, error)
	Types(ctx context.Context, userContext string) (map[string]int, error)
	Tags(ctx context.Context, userContext string) (map[string]int, error)
	Clusters(ctx context.Context, userContext string) ([]models.ClusterInfo, error)
	CacheStats(ctx context.Context) cache.Stats
}

// graphService is the traversal surface the façade calls.
type graphService interface {
	Traverse(ctx context.Context, userContext, startID string, opts graph.Options) (*graph.Result, error)
	Analyze(ctx context.Context, userContext string, topN int) (*graph.Analysis, error)
	Degree(ctx context.Context, userContext, id string) (*repository.DegreeStats, error)
}

// lifecycleService is the decay surface the façade calls.
type lifecycleService interface {
	DecayStatus(ctx context.Context, userContext, id string) (*lifecycle.Status, error)
	PreserveMemory(ctx context.Context, userContext, id string, until *time.Time) (*models.Memory, error)
}

// Service dispatches validated tool calls onto the engine, traverser, and
// lifecycle layers.
type Service struct {
	engine    memoryService
	graph     graphService
	lifecycle lifecycleService
	limits    config.EngineConfig
	logger    observability.Logger
}

// NewService creates the tool service.
func NewService(eng memoryService, g graphService, lc lifecycleService, limits config.EngineConfig, logger observability.Logger) *Service {
	if limits.MaxContentSize <= 0 {
		limits.MaxContentSize = 1 << 20
	}
	if limits.MaxTags <= 0 {
		limits.MaxTags = 20
	}
	if limits.MaxTagLength <= 0 {
		limits.MaxTagLength = 50
	}
	if limits.MaxUserContextLength <= 0 {
		limits.MaxUserContextLength = 100
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Service{engine: eng, graph: g, lifecycle: lc, limits: limits, logger: logger}
}

// ToolDef describes one entry of the tool catalog.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog lists every tool the façade accepts.
func Catalog() []ToolDef {
	return []ToolDef{
		{Name: "memory_store", Description: "Store a memory with deduplication, compression, and async embedding"},
		{Name: "memory_search", Description: "Semantic similarity search over stored memories"},
		{Name: "memory_list", Description: "List memories newest first with type and tag filters"},
		{Name: "memory_update", Description: "Update tags, confidence, importance, type, or source of a memory"},
		{Name: "memory_delete", Description: "Soft-delete a memory by id or content hash"},
		{Name: "memory_batch", Description: "Store up to 100 memories in one call"},
		{Name: "memory_batch_delete", Description: "Soft-delete multiple memories by id"},
		{Name: "memory_graph_search", Description: "Semantic search expanded over the relationship graph"},
		{Name: "memory_consolidate", Description: "Cluster similar memories by content similarity"},
		{Name: "memory_stats", Description: "Aggregate memory, relation, and cache statistics"},
		{Name: "memory_relate", Description: "Create a typed relationship between two memories"},
		{Name: "memory_unrelate", Description: "Remove the relationship between two memories"},
		{Name: "memory_get_relations", Description: "List the relationships of a memory"},
		{Name: "memory_traverse", Description: "Walk the relationship graph from a starting memory"},
		{Name: "memory_decay_status", Description: "Report a memory's decay score and lifecycle state"},
		{Name: "memory_preserve", Description: "Pin a memory against decay, optionally until a deadline"},
		{Name: "memory_graph_analysis", Description: "Connectivity analysis around a memory"},
	}
}

// ResourceNames lists the read-only resources.
func ResourceNames() []string {
	return []string{"stats", "types", "tags", "relationships", "clusters"}
}

// Call validates and runs one tool invocation.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case "memory_store":
		return s.memoryStore(ctx, args)
	case "memory_search":
		return s.memorySearch(ctx, args)
	case "memory_list":
		return s.memoryList(ctx, args)
	case "memory_update":
		return s.memoryUpdate(ctx, args)
	case "memory_delete":
		return s.memoryDelete(ctx, args)
	case "memory_batch":
		return s.memoryBatch(ctx, args)
	case "memory_batch_delete":
		return s.memoryBatchDelete(ctx, args)
	case "memory_graph_search":
		return s.memoryGraphSearch(ctx, args)
	case "memory_consolidate":
		return s.memoryConsolidate(ctx, args)
	case "memory_stats":
		return s.memoryStats(ctx, args)
	case "memory_relate":
		return s.memoryRelate(ctx, args)
	case "memory_unrelate":
		return s.memoryUnrelate(ctx, args)
	case "memory_get_relations":
		return s.memoryGetRelations(ctx, args)
	case "memory_traverse":
		return s.memoryTraverse(ctx, args)
	case "memory_decay_status":
		return s.memoryDecayStatus(ctx, args)
	case "memory_preserve":
		return s.memoryPreserve(ctx, args)
	case "memory_graph_analysis":
		return s.memoryGraphAnalysis(ctx, args)
	default:
		return nil, methodNotFound(name)
	}
}

// Resource serves one read-only resource.
func (s *Service) Resource(ctx context.Context, name, userContext string) (interface{}, error) {
	switch name {
	case "stats":
		stats, err := s.engine.Stats(ctx, userContext)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]interface{}{
			"memory": stats,
			"cache":  s.engine.CacheStats(ctx),
		}, nil
	case "types":
		out, err := s.engine.Types(ctx, userContext)
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	case "tags":
		out, err := s.engine.Tags(ctx, userContext)
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	case "relationships":
		out, err := s.graph.Analyze(ctx, userContext, 10)
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	case "clusters":
		out, err := s.engine.Clusters(ctx, userContext)
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	default:
		return nil, &Error{Code: CodeNotFound, Message: "unknown resource: " + name}
	}
}
