package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// ComputationCache is an optional Redis read-through cache in front of the
// computations table. Only resolved computations are cached: they are
// immutable, so staleness is not a concern. A nil *ComputationCache is valid
// and behaves as a permanent miss.
type ComputationCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewComputationCache connects to Redis and verifies the connection.
func NewComputationCache(addr, password string, ttl time.Duration) (*ComputationCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &ComputationCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "computation-cache"),
	}, nil
}

// Get returns the cached computation for contentKey, or nil on a miss.
// Cache errors are logged and reported as misses; Redis is an accelerator,
// never an authority.
func (c *ComputationCache) Get(ctx context.Context, contentKey string) *scan.Computation {
	if c == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, cacheKey(contentKey)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.Warn("cache get failed", "content_key", contentKey, "error", err)
		return nil
	}
	var comp scan.Computation
	if err := json.Unmarshal(raw, &comp); err != nil {
		c.logger.Warn("cache entry corrupt", "content_key", contentKey, "error", err)
		return nil
	}
	return &comp
}

// Put stores a resolved computation. Unresolved computations are ignored.
func (c *ComputationCache) Put(ctx context.Context, comp *scan.Computation) {
	if c == nil || !comp.Resolved() {
		return
	}
	raw, err := json.Marshal(comp)
	if err != nil {
		c.logger.Warn("cache encode failed", "content_key", comp.ContentKey, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(comp.ContentKey), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", "content_key", comp.ContentKey, "error", err)
	}
}

// Ping reports whether Redis is reachable. Nil caches report healthy.
func (c *ComputationCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *ComputationCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func cacheKey(contentKey string) string {
	return "computation:" + contentKey
}
