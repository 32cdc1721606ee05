package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryCache is the in-process cache tier. Entries carry their own TTL and
// the oldest entry is evicted when the cache is full.
type MemoryCache struct {
	items      map[string]memoryItem
	mu         sync.RWMutex
	maxItems   int
	defaultTTL time.Duration
}

type memoryItem struct {
	data       []byte
	expiration time.Time
	storedAt   time.Time
}

// NewMemoryCache creates an in-process cache bounded to maxItems entries.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &MemoryCache{
		items:      make(map[string]memoryItem),
		maxItems:   maxItems,
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value and unmarshals it into value.
func (c *MemoryCache) Get(ctx context.Context, key string, value interface{}) error {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || time.Now().After(item.expiration) {
		return ErrNotFound
	}
	return json.Unmarshal(item.data, value)
}

// Set stores a value with a TTL, evicting the oldest entry when full.
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxItems {
		c.evictOldestLocked()
	}
	now := time.Now()
	c.items[key] = memoryItem{data: data, expiration: now.Add(ttl), storedAt: now}
	return nil
}

func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, item := range c.items {
		if oldestKey == "" || item.storedAt.Before(oldest) {
			oldestKey = k
			oldest = item.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// Delete removes a key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// DeleteByPrefix removes every key with the given prefix.
func (c *MemoryCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}

// Exists checks whether a key is present and unexpired.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, exists := c.items[key]
	if !exists {
		return false, nil
	}
	return !time.Now().After(item.expiration), nil
}

// Flush drops every entry.
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]memoryItem)
	return nil
}

// Close is a no-op for the in-process tier.
func (c *MemoryCache) Close() error { return nil }
