// Package cache implements the snapshot-keyed memoization layer (spec
// §4.11): resolve/expand/bundle results keyed by (snapshot_etag, operation,
// input_hash), invalidated implicitly whenever snapshot_etag changes since
// that value is baked into every key.
//
// Backed by Redis via github.com/redis/go-redis/v9, the same "thin wrapper
// over a single client, nil-safe noop mode" shape internal/ratelimit uses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Operation names the cached pipeline stage; part of the key so entries
// from different operations never collide.
type Operation string

const (
	OpResolve Operation = "resolve"
	OpExpand  Operation = "expand"
	OpBundle  Operation = "bundle"
)

// TTL per operation. Resolve and expand results are cheap to recompute and
// churn with upstream edits more often than bundles, so they get a shorter
// TTL than the fully-assembled bundle.
const (
	ResolveTTL = 2 * time.Minute
	ExpandTTL  = 2 * time.Minute
	BundleTTL  = 5 * time.Minute
)

// Cache wraps a Redis client. A nil client puts it in noop mode: Get always
// misses, Set is a no-op — the pipeline still works, just without memoization.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Key composes the cache key for (snapshotETag, op, input). input is hashed
// rather than embedded verbatim so free-text questions of arbitrary length
// never produce an oversized Redis key.
func Key(snapshotETag string, op Operation, input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("batvault:cache:%s:%s:%s", snapshotETag, op, hex.EncodeToString(sum[:]))
}

// Get looks up a cached JSON value and decodes it into dst. Returns
// (false, nil) on a miss and on a Redis error (which is logged), and
// (false, err) only when the cached value cannot be decoded — callers
// should treat both as "recompute".
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.logger.Warn("cache: redis get failed, treating as miss", "error", err, "key", key)
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache: decode cached value for %q: %w", key, err)
	}
	return true, nil
}

// Set stores v as JSON under key with the given TTL. Failures are logged,
// not returned: a cache write failure must never fail the request it serves.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache: encode failed, skipping write", "error", err, "key", key)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache: redis set failed", "error", err, "key", key)
	}
}

// Close shuts down the underlying Redis client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
