package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*ModelsCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewModelsCache(rdb), mr
}

func TestKey(t *testing.T) {
	if got := Key("mock", ""); got != "models:mock:-" {
		t.Fatalf("Key = %q, want models:mock:-", got)
	}

	withURL := Key("openai", "https://api.example.com")
	if !strings.HasPrefix(withURL, "models:openai:") || strings.HasSuffix(withURL, ":-") {
		t.Fatalf("Key with base URL = %q, want a digest suffix", withURL)
	}

	// Distinct upstreams must not share an entry.
	if withURL == Key("openai", "https://other.example.com") {
		t.Fatal("different base URLs produced the same key")
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	if doc, ok := c.Get(context.Background(), Key("mock", "")); ok || doc != nil {
		t.Fatalf("expected miss, got %v", doc)
	}
}

func TestSetAndGetHit(t *testing.T) {
	c, _ := newTestCache(t)
	key := Key("mock", "")

	want := map[string]any{
		"object": "list",
		"data":   []any{map[string]any{"id": "mock-1"}},
	}
	c.Set(context.Background(), key, want, time.Hour)

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if got["object"] != "list" {
		t.Fatalf("object = %v", got["object"])
	}
	if len(got["data"].([]any)) != 1 {
		t.Fatalf("data = %v", got["data"])
	}
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	key := Key("mock", "")

	c.Set(context.Background(), key, map[string]any{"object": "list"}, 10*time.Second)

	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("entry should exist before TTL expires")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("entry should have expired after TTL")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	key := Key("mock", "")

	if err := mr.Set(key, "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
}

func TestGracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := NewModelsCache(rdb)

	// Take the server down: Get misses, Set swallows the error.
	mr.Close()

	if _, ok := c.Get(context.Background(), Key("mock", "")); ok {
		t.Fatal("expected miss when Redis is down")
	}
	c.Set(context.Background(), Key("mock", ""), map[string]any{"object": "list"}, time.Hour)
}
