// Package cache is the Redis read-through cache for provider model
// listings: /v1/models responses keyed by
// "models:<provider>:<sha256(base_url)|->", stale only on TTL expiry, no
// invalidation.
//
// Graceful degradation: when Redis is unavailable, Get reports a miss and
// Set drops the entry silently, so the models endpoint keeps working
// without its cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const queryTimeout = 500 * time.Millisecond

// Key builds the cache key for one provider's model listing. baseURL is
// the provider's configured upstream base URL, empty when the provider has
// none (the mock) — distinct upstreams of the same provider name must not
// share an entry.
func Key(provider, baseURL string) string {
	suffix := "-"
	if baseURL != "" {
		sum := sha256.Sum256([]byte(baseURL))
		suffix = hex.EncodeToString(sum[:])
	}
	return "models:" + provider + ":" + suffix
}

// ModelsCache stores rendered /v1/models response documents in Redis.
// The caller owns the client lifecycle.
type ModelsCache struct {
	client *redis.Client
}

func NewModelsCache(rdb *redis.Client) *ModelsCache {
	return &ModelsCache{client: rdb}
}

// Get returns the cached listing for key, or (nil, false) on a miss or
// any Redis/decode error. Errors are logged at WARN, never surfaced — a
// broken cache entry is just a miss.
func (c *ModelsCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "models_cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.WarnContext(ctx, "models_cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return doc, true
}

// Set stores doc under key with the given TTL. Marshal or Redis failures
// are logged and swallowed — losing a cache write must not fail the
// request that produced the listing.
func (c *ModelsCache) Set(ctx context.Context, key string, doc map[string]any, ttl time.Duration) {
	raw, err := json.Marshal(doc)
	if err != nil {
		slog.WarnContext(ctx, "models_cache_encode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "models_cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
