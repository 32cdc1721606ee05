package embedding

import (
	"context"
	"time"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/observability"
)

// CachedProvider memoizes embeddings through the tiered cache, keyed by a
// truncated SHA-256 of the input text. Identical text returns the cached
// vector byte-for-byte.
type CachedProvider struct {
	inner  Provider
	cache  *cache.TieredCache
	ttl    time.Duration
	logger observability.Logger
}

// NewCachedProvider wraps inner with cache memoization. ttl defaults to 24h.
func NewCachedProvider(inner Provider, tiered *cache.TieredCache, ttl time.Duration, logger observability.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &CachedProvider{inner: inner, cache: tiered, ttl: ttl, logger: logger}
}

// ModelID identifies the underlying model.
func (p *CachedProvider) ModelID() string { return p.inner.ModelID() }

// Dimensions reports the underlying provider's fixed dimension.
func (p *CachedProvider) Dimensions(ctx context.Context) (int, error) {
	return p.inner.Dimensions(ctx)
}

// Embed returns the cached vector for text, generating and caching on miss.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	id := cache.HashIdentifier(text)

	var vec []float32
	if err := p.cache.Get(ctx, cache.NamespaceEmbeddings, id, &vec); err == nil && len(vec) > 0 {
		return vec, nil
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := p.cache.Set(ctx, cache.NamespaceEmbeddings, id, vec, p.ttl); err != nil {
		p.logger.Warn("Failed to cache embedding", map[string]interface{}{"error": err.Error()})
	}
	return vec, nil
}

// BatchEmbed returns vectors preserving input order, pulling cached vectors
// and generating only the misses.
func (p *CachedProvider) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		id := cache.HashIdentifier(text)
		var vec []float32
		if err := p.cache.Get(ctx, cache.NamespaceEmbeddings, id, &vec); err == nil && len(vec) > 0 {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	generated, err := p.inner.BatchEmbed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range generated {
		i := missingIdx[j]
		out[i] = vec
		id := cache.HashIdentifier(texts[i])
		if err := p.cache.Set(ctx, cache.NamespaceEmbeddings, id, vec, p.ttl); err != nil {
			p.logger.Warn("Failed to cache embedding", map[string]interface{}{"error": err.Error()})
		}
	}
	return out, nil
}
