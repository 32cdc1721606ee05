package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/engram-ai/engram/pkg/observability"
)

// Cache namespaces. Each maps to a key prefix "mcp:<namespace>:".
const (
	NamespaceEmbeddings = "embeddings"
	NamespaceSearch     = "search"
	NamespaceMemory     = "memory"
)

const keyPrefix = "mcp:"

// Stats describes tiered cache health for the stats resource.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	RemoteAvailable bool  `json:"remote_available"`
}

// TieredCache composes the remote and local tiers behind one interface.
// Writes go to both tiers; reads try remote first, then local. Remote
// failures degrade silently to local-only.
type TieredCache struct {
	remote Cache
	local  Cache
	logger observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTieredCache builds the two-tier cache. remote may be nil, in which case
// only the local tier is used.
func NewTieredCache(remote Cache, local Cache, logger observability.Logger) *TieredCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if local == nil {
		local = NewMemoryCache(1000, time.Hour)
	}
	return &TieredCache{remote: remote, local: local, logger: logger}
}

// Key builds the namespaced cache key.
func Key(namespace, identifier string) string {
	return keyPrefix + namespace + ":" + identifier
}

// HashIdentifier derives a cache identifier from arbitrary input text: a
// truncated SHA-256 hex digest. Used for embedding and search keys.
func HashIdentifier(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:32]
}

// Get reads a namespaced entry, preferring the remote tier.
func (t *TieredCache) Get(ctx context.Context, namespace, identifier string, value interface{}) error {
	key := Key(namespace, identifier)

	if t.remote != nil {
		err := t.remote.Get(ctx, key, value)
		if err == nil {
			t.hits.Add(1)
			return nil
		}
		if err != ErrNotFound {
			t.logger.Warn("Remote cache read failed, falling back to local", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if err := t.local.Get(ctx, key, value); err != nil {
		t.misses.Add(1)
		return err
	}
	t.hits.Add(1)
	return nil
}

// Set writes a namespaced entry to both tiers.
func (t *TieredCache) Set(ctx context.Context, namespace, identifier string, value interface{}, ttl time.Duration) error {
	key := Key(namespace, identifier)

	if t.remote != nil {
		if err := t.remote.Set(ctx, key, value, ttl); err != nil {
			t.logger.Warn("Remote cache write failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return t.local.Set(ctx, key, value, ttl)
}

// Delete removes a namespaced entry from both tiers.
func (t *TieredCache) Delete(ctx context.Context, namespace, identifier string) error {
	key := Key(namespace, identifier)
	if t.remote != nil {
		if err := t.remote.Delete(ctx, key); err != nil {
			t.logger.Warn("Remote cache delete failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return t.local.Delete(ctx, key)
}

// ClearNamespace removes every key in the namespace from both tiers.
func (t *TieredCache) ClearNamespace(ctx context.Context, namespace string) error {
	prefix := keyPrefix + namespace + ":"
	if t.remote != nil {
		if err := t.remote.DeleteByPrefix(ctx, prefix); err != nil {
			t.logger.Warn("Remote namespace clear failed", map[string]interface{}{
				"namespace": namespace,
				"error":     err.Error(),
			})
		}
	}
	return t.local.DeleteByPrefix(ctx, prefix)
}

// InvalidateMemory drops the cached memory row and clears the entire search
// namespace, since any cached search result may contain the changed memory.
func (t *TieredCache) InvalidateMemory(ctx context.Context, memoryID string) error {
	if err := t.Delete(ctx, NamespaceMemory, memoryID); err != nil {
		return err
	}
	return t.ClearNamespace(ctx, NamespaceSearch)
}

// Stats reports hit/miss counters and remote tier availability.
func (t *TieredCache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:   t.hits.Load(),
		Misses: t.misses.Load(),
	}
	if t.remote != nil {
		if _, err := t.remote.Exists(ctx, keyPrefix+"health"); err == nil {
			s.RemoteAvailable = true
		}
	}
	return s
}

// Close releases both tiers.
func (t *TieredCache) Close() error {
	if t.remote != nil {
		if err := t.remote.Close(); err != nil {
			return err
		}
	}
	return t.local.Close()
}
