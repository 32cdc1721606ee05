package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/clustering"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/queue"
)

// ConsolidateInput tunes a consolidation pass.
type ConsolidateInput struct {
	UserContext    string
	Threshold      float64 // similarity threshold; epsilon is 1 - threshold
	MinClusterSize int
	MemoryIDs      []string // empty means the whole context
}

// ConsolidateResult reports what a consolidation pass produced. The
// memoriesArchived field counts memories assigned to a cluster.
type ConsolidateResult struct {
	ClustersCreated   int `json:"clustersCreated"`
	MemoriesClustered int `json:"memoriesArchived"`
	Noise             int `json:"noise"`
}

// Consolidate clusters the embedded memories of a user context by content
// similarity and persists the assignments. Memories assigned to a cluster
// count as consolidated; noise keeps no cluster id.
func (e *Engine) Consolidate(ctx context.Context, in ConsolidateInput) (*ConsolidateResult, error) {
	userContext := userContextOrDefault(in.UserContext)
	if in.Threshold <= 0 || in.Threshold >= 1 {
		in.Threshold = 0.7
	}
	if in.MinClusterSize <= 0 {
		in.MinClusterSize = 3
	}

	memories, err := e.memories.ListEmbedded(ctx, userContext, in.MemoryIDs)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return &ConsolidateResult{}, nil
	}

	points := make([]clustering.Point, 0, len(memories))
	for _, m := range memories {
		points = append(points, clustering.Point{ID: m.ID, Vector: m.Embedding})
	}

	result := clustering.DBSCAN(points, clustering.Options{
		Epsilon:        1 - in.Threshold,
		MinPoints:      in.MinClusterSize,
		MinClusterSize: 2,
	})

	out := &ConsolidateResult{Noise: len(result.Noise)}
	var assigned []string
	for clusterID, members := range result.Clusters {
		label := strconv.Itoa(clusterID)
		if err := e.memories.SetClusterIDs(ctx, members, &label); err != nil {
			return nil, fmt.Errorf("failed to persist cluster %d: %w", clusterID, err)
		}
		out.ClustersCreated++
		out.MemoriesClustered += len(members)
		assigned = append(assigned, members...)
	}

	// Cached rows carry the old cluster id until dropped.
	if e.cache != nil && len(assigned) > 0 {
		for _, id := range assigned {
			if err := e.cache.Delete(ctx, cache.NamespaceMemory, id); err != nil {
				e.logger.Warn("memory cache delete failed after consolidation", map[string]interface{}{
					"memory_id": id,
					"error":     err.Error(),
				})
			}
		}
		if err := e.cache.ClearNamespace(ctx, cache.NamespaceSearch); err != nil {
			e.logger.Warn("search cache clear failed after consolidation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	e.logger.Info("consolidation pass complete", map[string]interface{}{
		"user_context": userContext,
		"clusters":     out.ClustersCreated,
		"clustered":    out.MemoriesClustered,
		"noise":        out.Noise,
	})
	e.metrics.IncrementCounter("memory_consolidation_runs", 1, nil)
	return out, nil
}

// MergeMemories folds the given memories into one synthetic merged memory
// and archives the originals. The merged record keeps the maximum
// confidence of its sources.
func (e *Engine) MergeMemories(ctx context.Context, userContext string, ids []string) (*models.Memory, error) {
	userContext = userContextOrDefault(userContext)
	if len(ids) < 2 {
		return nil, fmt.Errorf("merge needs at least two memories")
	}

	var parts []string
	var maxConfidence float64
	var tags models.StringArray
	for _, id := range ids {
		m, err := e.memories.GetByID(ctx, userContext, id)
		if err != nil {
			return nil, err
		}
		parts = append(parts, m.Content.Text())
		if m.Confidence > maxConfidence {
			maxConfidence = m.Confidence
		}
		for _, tag := range m.Tags {
			if !tags.Contains(tag) {
				tags = append(tags, tag)
			}
		}
	}

	mergedText := strings.Join(parts, "\n\n")
	content, err := models.NewJSONValue(map[string]interface{}{
		"merged":        true,
		"originalIds":   ids,
		"mergedContent": mergedText,
		"mergeDate":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged content: %w", err)
	}
	hash, err := models.ContentHash(content)
	if err != nil {
		return nil, err
	}

	merged := &models.Memory{
		UserContext:     userContext,
		Content:         content,
		ContentHash:     hash,
		Tags:            tags,
		Type:            models.MemoryTypeMerged,
		Source:          "consolidation",
		Confidence:      maxConfidence,
		ImportanceScore: 0.8,
		State:           models.StateActive,
		DecayScore:      1.0,
		Metadata:        models.JSONMap{"mergedFrom": ids},
	}
	if err := e.memories.Create(ctx, merged); err != nil {
		return nil, err
	}

	if e.jobs != nil {
		_, _ = e.jobs.Enqueue(ctx, queue.JobEmbedding, 8, queue.EmbeddingPayload{
			MemoryID: merged.ID, UserContext: userContext,
		})
	}

	// Archive the sources; they remain reachable but stop competing in
	// search through decay.
	for _, id := range ids {
		if _, err := e.memories.UpdateFields(ctx, userContext, id,
			map[string]interface{}{"state": models.StateArchived}, false); err != nil {
			e.logger.Warn("failed to archive merged source", map[string]interface{}{
				"memory_id": id,
				"error":     err.Error(),
			})
		}
		e.invalidate(ctx, id)
	}
	return merged, nil
}

// SummarizeMemories writes one summary memory per memory type present in
// the given set, built from the sources' summarized text. Sources are left
// untouched. Returns the created summaries.
func (e *Engine) SummarizeMemories(ctx context.Context, userContext string, ids []string) ([]*models.Memory, error) {
	userContext = userContextOrDefault(userContext)

	byType := map[models.MemoryType][]*models.Memory{}
	for _, id := range ids {
		m, err := e.memories.GetByID(ctx, userContext, id)
		if err != nil {
			e.logger.Warn("summarize source skipped", map[string]interface{}{
				"memory_id": id,
				"error":     err.Error(),
			})
			continue
		}
		byType[m.Type] = append(byType[m.Type], m)
	}

	var out []*models.Memory
	for typ, group := range byType {
		if len(group) < 2 {
			continue
		}
		var parts []string
		var sourceIDs []string
		for _, m := range group {
			parts = append(parts, e.compressor.Compress(m.Content.Text(), m.Type).Compressed)
			sourceIDs = append(sourceIDs, m.ID)
		}

		content, err := models.NewJSONValue(map[string]interface{}{
			"summary":     strings.Join(parts, "\n\n"),
			"summaryOf":   string(typ),
			"sourceIds":   sourceIDs,
			"summaryDate": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode summary content: %w", err)
		}
		hash, err := models.ContentHash(content)
		if err != nil {
			return nil, err
		}

		summary := &models.Memory{
			UserContext:     userContext,
			Content:         content,
			ContentHash:     hash,
			Type:            models.MemoryTypeSummary,
			Source:          "consolidation",
			Confidence:      0.9,
			ImportanceScore: 0.7,
			State:           models.StateActive,
			DecayScore:      1.0,
			Metadata:        models.JSONMap{"summarizedFrom": sourceIDs},
		}
		if err := e.memories.Create(ctx, summary); err != nil {
			return nil, err
		}
		if e.jobs != nil {
			_, _ = e.jobs.Enqueue(ctx, queue.JobEmbedding, 7, queue.EmbeddingPayload{
				MemoryID: summary.ID, UserContext: userContext,
			})
		}
		out = append(out, summary)
	}
	return out, nil
}
