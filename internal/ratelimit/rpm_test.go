package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if err := limiter.Allow(ctx, "key1", "responses", nil); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if err := limiter.Allow(ctx, "key1", "responses", nil); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}

	// The (limit+1)th request in the same minute must be blocked.
	err := limiter.Allow(ctx, "key1", "responses", nil)
	if err == nil {
		t.Fatal("expected the (limit+1)th request to be rejected")
	}
	pub, ok := err.(*apierrs.PublicError)
	if !ok || pub.Code != apierrs.CodeRateLimited || pub.StatusCode != 429 {
		t.Fatalf("expected a 429 rate_limited PublicError, got %#v", err)
	}
}

func TestLimiter_EndpointsTrackedSeparately(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewLimiter(rdb, 1)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "key1", "responses", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A different endpoint for the same key has its own counter.
	if err := limiter.Allow(ctx, "key1", "jobs.create", nil); err != nil {
		t.Fatalf("unexpected error for distinct endpoint: %v", err)
	}
}

func TestLimiter_PerKeyLimitOverridesDefault(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewLimiter(rdb, 100)
	ctx := context.Background()
	one := 1

	if err := limiter.Allow(ctx, "key1", "responses", &one); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Allow(ctx, "key1", "responses", &one); err == nil {
		t.Fatal("expected per-key limit of 1 to reject the second request")
	}
}

func TestLimiter_LimitLessEqualZeroDisablesCheck(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewLimiter(rdb, 1)
	ctx := context.Background()
	disabled := 0

	for i := 0; i < 50; i++ {
		if err := limiter.Allow(ctx, "key1", "responses", &disabled); err != nil {
			t.Fatalf("expected no limiting with limit<=0, iteration %d: %v", i, err)
		}
	}
}

func TestLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — the limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewLimiter(rdb, 5)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "key1", "responses", nil); err != nil {
		t.Fatalf("expected graceful degradation (allow) when Redis is unavailable, got %v", err)
	}
}
