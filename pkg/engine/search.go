package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/repository"
)

// SearchInput is one semantic search request.
type SearchInput struct {
	Query       string
	UserContext string
	Limit       int
	Threshold   float64
	Type        *models.MemoryType
	Tags        []string
}

func (in SearchInput) cacheKey() string {
	var sb strings.Builder
	sb.WriteString(in.UserContext)
	sb.WriteByte('|')
	sb.WriteString(in.Query)
	fmt.Fprintf(&sb, "|%d|%g", in.Limit, in.Threshold)
	if in.Type != nil {
		sb.WriteByte('|')
		sb.WriteString(string(*in.Type))
	}
	for _, tag := range in.Tags {
		sb.WriteByte('|')
		sb.WriteString(tag)
	}
	return cache.HashIdentifier(sb.String())
}

// Search embeds the query and returns similar memories, most similar first.
// Results are cached until the next write invalidates the search namespace.
func (e *Engine) Search(ctx context.Context, in SearchInput) ([]*models.Memory, error) {
	in.UserContext = userContextOrDefault(in.UserContext)
	if in.Limit <= 0 {
		in.Limit = e.cfg.DefaultSearchLimit
	}
	if in.Threshold <= 0 {
		in.Threshold = e.cfg.DefaultSimilarityThreshold
	}

	key := in.cacheKey()
	if e.cache != nil {
		var cached []*models.Memory
		if err := e.cache.Get(ctx, cache.NamespaceSearch, key, &cached); err == nil {
			e.metrics.IncrementCounter("memory_search_cache_hit", 1, nil)
			return cached, nil
		}
	}

	qvec, err := e.provider.Embed(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := e.memories.KNNSearch(ctx, in.UserContext, qvec,
		repository.SearchFilters{Type: in.Type, Tags: in.Tags}, in.Threshold, in.Limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(results))
	for i, m := range results {
		ids[i] = m.ID
	}
	if err := e.memories.BumpAccess(ctx, ids); err != nil {
		e.logger.Warn("access bump failed after search", map[string]interface{}{
			"error": err.Error(),
		})
	}

	out := outputCopies(results)
	if e.cache != nil {
		if err := e.cache.Set(ctx, cache.NamespaceSearch, key, out, e.cacheTTL); err != nil {
			e.logger.Warn("search cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	e.metrics.IncrementCounter("memory_search", 1, nil)
	return out, nil
}

// List pages memories newest first, with compressed content presented as
// its stored summary.
func (e *Engine) List(ctx context.Context, userContext string, typ *models.MemoryType, tags []string, limit, offset int) ([]*models.Memory, error) {
	userContext = userContextOrDefault(userContext)
	if limit <= 0 {
		limit = e.cfg.DefaultSearchLimit
	}
	results, err := e.memories.List(ctx, userContext,
		repository.SearchFilters{Type: typ, Tags: tags}, limit, offset)
	if err != nil {
		return nil, err
	}
	return outputCopies(results), nil
}

// GraphSearchInput is a search whose seeds are expanded over the relation
// graph.
type GraphSearchInput struct {
	SearchInput
	Depth int
}

// GraphMatch is one seed result with the related memories reached from it.
type GraphMatch struct {
	Memory  *models.Memory   `json:"memory"`
	Related []*models.Memory `json:"related,omitempty"`
}

// GraphSearch runs a semantic search and expands each hit over its
// relations and parent links up to depth, annotating each seed's metadata
// with the relationship list.
func (e *Engine) GraphSearch(ctx context.Context, in GraphSearchInput) ([]*GraphMatch, error) {
	if in.Depth <= 0 {
		in.Depth = 1
	}
	if in.Depth > 3 {
		in.Depth = 3
	}

	seeds, err := e.Search(ctx, in.SearchInput)
	if err != nil {
		return nil, err
	}
	userContext := userContextOrDefault(in.UserContext)

	out := make([]*GraphMatch, 0, len(seeds))
	for _, seed := range seeds {
		match := &GraphMatch{Memory: seed}
		visited := map[string]bool{seed.ID: true}
		frontier := []string{seed.ID}
		var relationships []interface{}

		for depth := 0; depth < in.Depth && len(frontier) > 0; depth++ {
			var next []string
			for _, id := range frontier {
				edges, err := e.relations.ForMemory(ctx, id)
				if err != nil {
					continue
				}
				for _, rel := range edges {
					neighborID := rel.ToMemoryID
					if neighborID == id {
						neighborID = rel.FromMemoryID
					}
					if visited[neighborID] {
						continue
					}
					neighbor, err := e.memories.GetByID(ctx, userContext, neighborID)
					if err != nil {
						continue
					}
					visited[neighborID] = true
					match.Related = append(match.Related, outputCopy(neighbor))
					relationships = append(relationships, map[string]interface{}{
						"from": rel.FromMemoryID,
						"to":   rel.ToMemoryID,
						"type": string(rel.RelationType),
					})
					next = append(next, neighborID)
				}
			}
			frontier = next
		}

		if len(relationships) > 0 {
			meta := models.JSONMap{}
			for k, v := range seed.Metadata {
				meta[k] = v
			}
			meta["relationships"] = relationships
			seedCopy := *seed
			seedCopy.Metadata = meta
			match.Memory = &seedCopy
		}
		out = append(out, match)
	}
	return out, nil
}
