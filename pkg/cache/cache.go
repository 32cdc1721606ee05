// Package cache provides the two-tier cache fronting embeddings, memories,
// and search results. A remote Redis tier is preferred when configured and
// a local in-process tier acts as mirror and fallback.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not present in the cache.
var ErrNotFound = errors.New("key not found in cache")

// Cache is the single-tier contract. Values are JSON-serialized on the way
// in and unmarshaled into the caller's value on the way out.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}
