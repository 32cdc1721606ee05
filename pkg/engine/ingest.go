package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
)

// StoreInput is one ingest request. Content must be valid JSON.
type StoreInput struct {
	Content     models.JSONValue
	Type        models.MemoryType
	Tags        []string
	Source      string
	Confidence  float64
	Importance  float64
	UserContext string
	Metadata    models.JSONMap
	RelateTo    []string
	ParentID    *string
}

// StoreResult reports what ingest did.
type StoreResult struct {
	Memory          *models.Memory `json:"memory"`
	Deduplicated    bool           `json:"deduplicated"`
	Compressed      bool           `json:"compressed"`
	EmbeddingQueued bool           `json:"embeddingQueued"`
}

// Store ingests a memory. Identical content in the same user context
// deduplicates onto the existing row and bumps its access count. Oversized
// content is compressed before storage. The embedding is computed inline or
// queued depending on the async setting.
func (e *Engine) Store(ctx context.Context, in StoreInput) (*StoreResult, error) {
	userContext := userContextOrDefault(in.UserContext)

	hash, err := models.ContentHash(in.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to hash content: %w", err)
	}

	if existing, err := e.memories.FindByHash(ctx, userContext, hash); err == nil {
		if err := e.memories.BumpAccess(ctx, []string{existing.ID}); err != nil {
			e.logger.Warn("access bump failed on dedup", map[string]interface{}{
				"memory_id": existing.ID,
				"error":     err.Error(),
			})
		}
		e.invalidate(ctx, existing.ID)
		if refreshed, err := e.memories.GetByID(ctx, userContext, existing.ID); err == nil {
			existing = refreshed
		} else {
			existing.AccessCount++
		}
		e.metrics.IncrementCounter("memory_store_deduplicated", 1, nil)
		return &StoreResult{Memory: outputCopy(existing), Deduplicated: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if in.Type == "" {
		in.Type = models.MemoryTypeFact
	}
	if in.Confidence <= 0 {
		in.Confidence = 1.0
	}
	if in.Importance <= 0 {
		in.Importance = 0.5
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}

	memory := &models.Memory{
		UserContext:         userContext,
		Content:             in.Content,
		ContentHash:         hash,
		Tags:                models.StringArray(in.Tags),
		Type:                in.Type,
		Source:              in.Source,
		Confidence:          in.Confidence,
		ImportanceScore:     in.Importance,
		SimilarityThreshold: e.cfg.DefaultSimilarityThreshold,
		ParentID:            in.ParentID,
		State:               models.StateActive,
		DecayScore:          1.0,
		Metadata:            metadata,
	}

	result := &StoreResult{}
	text := in.Content.Text()
	if e.compressor.ShouldCompress(text) {
		compressed := e.compressor.Compress(text, in.Type)
		content, err := models.NewJSONValue(map[string]string{"summary": compressed.Compressed})
		if err != nil {
			return nil, fmt.Errorf("failed to encode compressed content: %w", err)
		}
		memory.Content = content
		memory.IsCompressed = true
		metadata["compression"] = map[string]interface{}{
			"strategy":       compressed.Strategy,
			"originalSize":   compressed.OriginalSize,
			"compressedSize": compressed.CompressedSize,
			"ratio":          compressed.Ratio,
		}
		text = compressed.Compressed
		result.Compressed = true
	}

	async := e.cfg.EnableAsyncProcessing && e.jobs != nil
	if !async {
		vec, err := e.provider.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed content: %w", err)
		}
		memory.Embedding = vec
		dim := len(vec)
		memory.EmbeddingDimension = &dim
	}

	if err := e.memories.Create(ctx, memory); err != nil {
		return nil, err
	}

	if async {
		priority := int(math.Round(in.Importance * 10))
		if _, err := e.jobs.Enqueue(ctx, queue.JobEmbedding, priority, queue.EmbeddingPayload{
			MemoryID:    memory.ID,
			UserContext: userContext,
		}); err != nil {
			e.logger.Error("failed to enqueue embedding job", map[string]interface{}{
				"memory_id": memory.ID,
				"error":     err.Error(),
			})
		} else {
			result.EmbeddingQueued = true
		}
	}

	// Requested relations are best effort; a bad target never fails ingest.
	for _, target := range in.RelateTo {
		if _, err := e.CreateRelation(ctx, userContext, memory.ID, target, models.RelationRelatesTo, 0.5, false); err != nil {
			e.logger.Warn("relate_to target skipped", map[string]interface{}{
				"memory_id": memory.ID,
				"target":    target,
				"error":     err.Error(),
			})
		}
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, cache.NamespaceMemory, memory.ID, memory, e.cacheTTL); err != nil {
			e.logger.Warn("memory cache write failed", map[string]interface{}{
				"memory_id": memory.ID,
				"error":     err.Error(),
			})
		}
		if err := e.cache.ClearNamespace(ctx, cache.NamespaceSearch); err != nil {
			e.logger.Warn("search cache clear failed", map[string]interface{}{"error": err.Error()})
		}
	}

	e.metrics.IncrementCounter("memory_store_created", 1, nil)
	result.Memory = outputCopy(memory)
	return result, nil
}

// BatchStoreResult reports one item's outcome in a bulk ingest.
type BatchStoreResult struct {
	Index  int          `json:"index"`
	Result *StoreResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// BatchStore ingests items independently; one bad item never aborts the
// rest.
func (e *Engine) BatchStore(ctx context.Context, items []StoreInput) []BatchStoreResult {
	out := make([]BatchStoreResult, 0, len(items))
	for i, item := range items {
		result, err := e.Store(ctx, item)
		if err != nil {
			out = append(out, BatchStoreResult{Index: i, Error: err.Error()})
			continue
		}
		out = append(out, BatchStoreResult{Index: i, Result: result})
	}
	return out
}

// updatableFields whitelists the columns Update may touch.
var updatableFields = map[string]bool{
	"tags":             true,
	"confidence":       true,
	"importance_score": true,
	"type":             true,
	"source":           true,
}

// Update applies whitelisted field changes to a memory.
func (e *Engine) Update(ctx context.Context, userContext, id string, updates map[string]interface{}, preserveTimestamps bool) (*models.Memory, error) {
	userContext = userContextOrDefault(userContext)

	filtered := map[string]interface{}{}
	for col, val := range updates {
		if !updatableFields[col] {
			return nil, fmt.Errorf("field %q is not updatable", col)
		}
		if col == "tags" {
			if tags, ok := val.([]string); ok {
				val = models.StringArray(tags)
			}
		}
		filtered[col] = val
	}

	m, err := e.memories.UpdateFields(ctx, userContext, id, filtered, preserveTimestamps)
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx, id)
	return outputCopy(m), nil
}

// Delete soft-deletes a memory. Returns whether a row changed.
func (e *Engine) Delete(ctx context.Context, userContext, id string) (bool, error) {
	userContext = userContextOrDefault(userContext)
	n, err := e.memories.SoftDelete(ctx, userContext, []string{id})
	if err != nil {
		return false, err
	}
	if n > 0 {
		e.invalidate(ctx, id)
		e.metrics.IncrementCounter("memory_deleted", float64(n), nil)
	}
	return n > 0, nil
}

// DeleteByHash soft-deletes the memory whose content hash matches. A hash
// with no live row reports false rather than an error.
func (e *Engine) DeleteByHash(ctx context.Context, userContext, hash string) (bool, error) {
	userContext = userContextOrDefault(userContext)
	m, err := e.memories.FindByHash(ctx, userContext, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.Delete(ctx, userContext, m.ID)
}

// BatchDelete soft-deletes multiple memories and returns how many changed.
func (e *Engine) BatchDelete(ctx context.Context, userContext string, ids []string) (int64, error) {
	userContext = userContextOrDefault(userContext)
	n, err := e.memories.SoftDelete(ctx, userContext, ids)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.invalidate(ctx, id)
	}
	if n > 0 {
		e.metrics.IncrementCounter("memory_deleted", float64(n), nil)
	}
	return n, nil
}

// Get fetches one memory, preferring the cache.
func (e *Engine) Get(ctx context.Context, userContext, id string) (*models.Memory, error) {
	userContext = userContextOrDefault(userContext)

	if e.cache != nil {
		var cached models.Memory
		if err := e.cache.Get(ctx, cache.NamespaceMemory, id, &cached); err == nil &&
			cached.UserContext == userContext && cached.DeletedAt == nil {
			return outputCopy(&cached), nil
		}
	}

	m, err := e.memories.GetByID(ctx, userContext, id)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		_ = e.cache.Set(ctx, cache.NamespaceMemory, id, m, e.cacheTTL)
	}
	return outputCopy(m), nil
}
