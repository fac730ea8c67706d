package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"saldo/internal/core"
)

// Cache keys.
const (
	balanceKeyPrefix = "balance:"
	KeyInvalidCount  = "invalid_count"
	KeyStats         = "stats"
)

// BalanceKey returns the cache key for the balance at instant t.
func BalanceKey(t time.Time) string {
	return balanceKeyPrefix + strconv.FormatInt(core.UnixNanos(t), 10)
}

// parseBalanceKey returns the instant encoded in a balance key.
func parseBalanceKey(key string) (int64, bool) {
	if !strings.HasPrefix(key, balanceKeyPrefix) {
		return 0, false
	}
	ns, err := strconv.ParseInt(key[len(balanceKeyPrefix):], 10, 64)
	return ns, err == nil
}

// CacheCoordinator owns the derived-value keyspace of the cache. Every
// invalidation bumps a generation number; readers that computed a value under
// an older generation must not write it back (see StoreIfCurrent).
type CacheCoordinator struct {
	cache  Cache
	logger *slog.Logger

	mu         sync.RWMutex
	generation uint64
}

func NewCacheCoordinator(cache Cache, logger *slog.Logger) *CacheCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheCoordinator{cache: cache, logger: logger}
}

// Generation returns the current invalidation generation.
func (c *CacheCoordinator) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// StoreIfCurrent writes value under key only if no invalidation happened since
// gen was read. It reports whether the value was written.
func (c *CacheCoordinator) StoreIfCurrent(ctx context.Context, gen uint64, key string, value []byte, ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.generation != gen {
		return false
	}
	if err := c.cache.Set(ctx, key, value, ttl); err != nil {
		c.logger.WarnContext(ctx, "Cache write failed",
			"key", key,
			"error", fmt.Errorf("%w: %v", core.ErrCacheUnavailable, err))
		return false
	}
	return true
}

// Lookup reads key from the cache. Cache errors count as a miss.
func (c *CacheCoordinator) Lookup(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "Cache read failed",
			"key", key,
			"error", fmt.Errorf("%w: %v", core.ErrCacheUnavailable, err))
		return nil, false
	}
	return v, ok
}

// InvalidateFrom drops every cached balance at or after t along with the
// aggregate entries. Failures are logged; the TTL bounds any staleness left.
func (c *CacheCoordinator) InvalidateFrom(ctx context.Context, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	cutoff := core.UnixNanos(t)
	removed, err := c.cache.DeleteMatching(ctx, func(key string) bool {
		ns, ok := parseBalanceKey(key)
		return ok && ns >= cutoff
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Balance cache invalidation failed",
			"from", t,
			"error", fmt.Errorf("%w: %v", core.ErrCacheUnavailable, err))
	}
	c.deleteAggregates(ctx)

	c.logger.DebugContext(ctx, "Cache invalidated from instant",
		"from", t,
		"removed", removed)
}

// InvalidateAggregates drops the invalid-count and stats entries only.
func (c *CacheCoordinator) InvalidateAggregates(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.deleteAggregates(ctx)
}

// InvalidateAll clears the whole cache.
func (c *CacheCoordinator) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	if err := c.cache.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "Cache clear failed",
			"error", fmt.Errorf("%w: %v", core.ErrCacheUnavailable, err))
		return
	}
	c.logger.DebugContext(ctx, "Cache cleared")
}

// Ping reports whether the cache backend answers.
func (c *CacheCoordinator) Ping(ctx context.Context) error {
	return c.cache.Ping(ctx)
}

func (c *CacheCoordinator) deleteAggregates(ctx context.Context) {
	for _, key := range []string{KeyInvalidCount, KeyStats} {
		if err := c.cache.Delete(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "Cache delete failed",
				"key", key,
				"error", fmt.Errorf("%w: %v", core.ErrCacheUnavailable, err))
		}
	}
}
