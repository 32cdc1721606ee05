// Package resilience provides the rate limiting primitives used by the job
// system and the traversal engine.
package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig holds configuration for a token-bucket rate limiter.
type RateLimiterConfig struct {
	Limit  int           // tokens added per period
	Period time.Duration // refill period
	Burst  int           // bucket capacity; defaults to Limit
}

// RateLimiter is a token-bucket limiter. Allow is non-blocking.
type RateLimiter struct {
	config     RateLimiterConfig
	tokens     float64
	capacity   float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter that admits config.Limit calls per
// config.Period with bursts up to config.Burst.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	capacity := float64(config.Burst)
	if capacity <= 0 {
		capacity = float64(config.Limit)
	}
	return &RateLimiter{
		config:     config,
		tokens:     capacity,
		capacity:   capacity,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now

	refill := elapsed.Seconds() * float64(r.config.Limit) / r.config.Period.Seconds()
	r.tokens += refill
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Wait blocks until a token is available or the done channel closes.
// Returns false if done closed first.
func (r *RateLimiter) Wait(done <-chan struct{}) bool {
	for {
		if r.Allow() {
			return true
		}
		select {
		case <-done:
			return false
		case <-time.After(r.retryInterval()):
		}
	}
}

func (r *RateLimiter) retryInterval() time.Duration {
	interval := r.config.Period / time.Duration(maxInt(r.config.Limit, 1))
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// KeyedRateLimiter maintains one limiter per key, e.g. per user context.
type KeyedRateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*RateLimiter
	mu       sync.Mutex
}

// NewKeyedRateLimiter creates a per-key limiter factory sharing one config.
func NewKeyedRateLimiter(config RateLimiterConfig) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		config:   config,
		limiters: make(map[string]*RateLimiter),
	}
}

// Allow consumes a token from the limiter for key, creating it on first use.
func (k *KeyedRateLimiter) Allow(key string) bool {
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = NewRateLimiter(k.config)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}
