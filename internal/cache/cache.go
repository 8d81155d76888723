package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Keys of cached server reads
const (
	KeyMe        = "me"
	KeyDatasets  = "datasets"
	KeyTemplates = "templates"
	KeyRuns      = "training-runs"
)

func DatasetKey(id int64) string { return fmt.Sprintf("dataset/%d", id) }
func RunKey(id int64) string     { return fmt.Sprintf("training-run/%d", id) }
func MetricsKey(id int64) string { return fmt.Sprintf("training-run/%d/metrics", id) }

// CachedResponse is a cached server read
type CachedResponse struct {
	Response  any
	Timestamp time.Time
}

// Cache is a read-through cache of server data. Every entry is a copy of
// something the backend owns and may be dropped at any time.
//
// Every Invalidate or Clear bumps a generation counter; StoreIfCurrent refuses
// writes from reads that started under an older generation, so a response in
// flight during logout cannot repopulate the cache.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]CachedResponse
	generation uint64
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an empty cache
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]CachedResponse),
		logger:  logger,
		now:     time.Now,
	}
}

// Load returns the value under key if it is younger than maxAge.
// maxAge <= 0 means the entry never goes stale.
func (c *Cache) Load(key string, maxAge time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if maxAge > 0 && c.now().Sub(entry.Timestamp) > maxAge {
		return nil, false
	}
	c.logger.Debug("cache hit", "key", key)
	return entry.Response, true
}

// Store caches value under key unconditionally
func (c *Cache) Store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CachedResponse{Response: value, Timestamp: c.now()}
}

// Generation identifies the current cache epoch
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// StoreIfCurrent caches value only if no invalidation happened since gen
func (c *Cache) StoreIfCurrent(gen uint64, key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.logger.Debug("discarding stale read", "key", key)
		return false
	}
	c.entries[key] = CachedResponse{Response: value, Timestamp: c.now()}
	return true
}

// Invalidate drops the given keys
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.logger.Debug("cache invalidated", "keys", keys)
}

// InvalidatePrefix drops every key starting with prefix
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear drops everything
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := len(c.entries)
	c.entries = make(map[string]CachedResponse)
	c.logger.Info("cache cleared", "entries", n)
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch returns the fresh cached value under key or calls fetch and caches
// its result. Errors are never cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, maxAge time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Load(key, maxAge); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	return Refresh(ctx, c, key, fetch)
}

// Refresh always calls fetch and caches the result if the cache was not
// invalidated while the fetch was in flight.
func Refresh[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error)) (T, error) {
	gen := c.Generation()
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.StoreIfCurrent(gen, key, v)
	return v, nil
}
