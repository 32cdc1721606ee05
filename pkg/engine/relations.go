package engine

import (
	"context"
	"fmt"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/models"
)

// CreateRelation links two memories after verifying both exist in the user
// context. With bidirectional set, the reverse edge gets the inverse
// relation type.
func (e *Engine) CreateRelation(ctx context.Context, userContext, from, to string, relType models.RelationType, strength float64, bidirectional bool) ([]*models.MemoryRelation, error) {
	userContext = userContextOrDefault(userContext)
	if from == to {
		return nil, fmt.Errorf("cannot relate a memory to itself")
	}
	if strength <= 0 || strength > 1 {
		strength = 0.5
	}
	relType = models.NormalizeRelationType(string(relType))

	for _, id := range []string{from, to} {
		exists, err := e.memories.Exists(ctx, userContext, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("memory %s not found", id)
		}
	}

	forward, err := e.relations.Upsert(ctx, from, to, relType, strength)
	if err != nil {
		return nil, err
	}
	out := []*models.MemoryRelation{forward}

	if bidirectional {
		reverse, err := e.relations.Upsert(ctx, to, from, models.ReverseRelationType(relType), strength)
		if err != nil {
			return nil, err
		}
		out = append(out, reverse)
	}

	e.invalidate(ctx, from)
	e.invalidate(ctx, to)
	return out, nil
}

// DeleteRelation removes the edge from -> to.
func (e *Engine) DeleteRelation(ctx context.Context, userContext, from, to string) (bool, error) {
	deleted, err := e.relations.Delete(ctx, from, to)
	if err != nil {
		return false, err
	}
	if deleted {
		e.invalidate(ctx, from)
		e.invalidate(ctx, to)
	}
	return deleted, nil
}

// ListRelations returns every edge touching the memory, after verifying it
// is visible in the user context.
func (e *Engine) ListRelations(ctx context.Context, userContext, id string) ([]*models.MemoryRelation, error) {
	userContext = userContextOrDefault(userContext)
	if _, err := e.memories.GetByID(ctx, userContext, id); err != nil {
		return nil, err
	}
	return e.relations.ForMemory(ctx, id)
}

// Stats aggregates memory and relation counts for the user context.
func (e *Engine) Stats(ctx context.Context, userContext string) (*models.MemoryStats, error) {
	userContext = userContextOrDefault(userContext)
	stats, err := e.memories.Stats(ctx, userContext)
	if err != nil {
		return nil, err
	}
	relations, err := e.relations.Count(ctx, userContext)
	if err != nil {
		return nil, err
	}
	stats.TotalRelations = relations
	return stats, nil
}

// Types returns the storable memory types with their current counts.
func (e *Engine) Types(ctx context.Context, userContext string) (map[string]int, error) {
	stats, err := e.memories.Stats(ctx, userContextOrDefault(userContext))
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, t := range models.UserStorableTypes {
		out[string(t)] = stats.MemoriesByType[string(t)]
	}
	return out, nil
}

// Tags returns distinct tags with usage counts.
func (e *Engine) Tags(ctx context.Context, userContext string) (map[string]int, error) {
	return e.memories.ListTags(ctx, userContextOrDefault(userContext))
}

// Clusters lists current clusters with member counts.
func (e *Engine) Clusters(ctx context.Context, userContext string) ([]models.ClusterInfo, error) {
	return e.memories.ListClusters(ctx, userContextOrDefault(userContext))
}

// CacheStats reports tiered cache health.
func (e *Engine) CacheStats(ctx context.Context) cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats(ctx)
}
