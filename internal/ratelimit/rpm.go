// Package ratelimit enforces per-minute request quotas: a fixed-window
// counter per (api_key_id, endpoint), backed by Redis. Each window is
// keyed by the timestamp truncated to the minute; the counter is bumped
// with an atomic INCR and the TTL is set to 120s only on the first hit of
// the window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
)

const keyTTL = 120 * time.Second

// Limiter enforces the fixed-window minute counter.
type Limiter struct {
	rdb          *redis.Client
	defaultRPM   int
	queryTimeout time.Duration
	clock        func() time.Time
}

// NewLimiter wires a Limiter against an existing Redis client. defaultRPM
// is the process-wide fallback used when a key has no per-key RPM cap.
func NewLimiter(rdb *redis.Client, defaultRPM int) *Limiter {
	return &Limiter{rdb: rdb, defaultRPM: defaultRPM, queryTimeout: 500 * time.Millisecond, clock: time.Now}
}

// Allow enforces the limit for (apiKeyID, endpoint). perKeyLimit is the
// key's own RPM cap, if any — nil means "use the process default".
// limit <= 0 disables the check entirely.
//
// Returns a *apierrs.PublicError (HTTP 429, code "rate_limited") when the
// window is exceeded; returns nil on success. Redis errors degrade to
// "allow" rather than failing the request — a missing counter store must
// not take the proxy down with it.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, endpoint string, perKeyLimit *int) error {
	limit := l.defaultRPM
	if perKeyLimit != nil {
		limit = *perKeyLimit
	}
	if limit <= 0 {
		return nil
	}

	key := minuteKey(apiKeyID, endpoint, l.clock().UTC())

	qctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()

	value, err := l.rdb.Incr(qctx, key).Result()
	if err != nil {
		return nil // degrade gracefully — shared counter store is unavailable
	}
	if value == 1 {
		l.rdb.Expire(qctx, key, keyTTL)
	}
	if int(value) > limit {
		return apierrs.New(429, apierrs.CodeRateLimited, "rate limit exceeded", "rate_limit_error")
	}
	return nil
}

// minuteKey builds "rl:<api_key_id>:<endpoint>:<YYYYMMDDhhmm>".
func minuteKey(apiKeyID, endpoint string, now time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%s", apiKeyID, endpoint, now.Format("200601021504"))
}
