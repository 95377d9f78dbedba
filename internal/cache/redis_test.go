package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// newTestRedisCache starts a miniredis server and returns a RedisCache
// backed by it.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func testEntry(key fingerprint.Key, text string, ttl time.Duration) Entry {
	return NewEntry(key, "claude-sonnet-4", providers.Completion{
		ID:         "msg-1",
		Model:      "claude-sonnet-4",
		Text:       text,
		StopReason: "end_turn",
		Usage:      providers.Usage{InputTokens: 10, OutputTokens: 3},
	}, ttl)
}

func TestRedis_GetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	if _, ok := c.Get(context.Background(), "nonexistent"); ok {
		t.Fatal("expected cache miss, got hit")
	}
	if st := c.Stats(); st.Misses != 1 || st.Hits != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRedis_PutAndGet(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "k1", testEntry("k1", "hello", time.Hour)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("fp:k1") {
		t.Fatal("entry should be stored under the fp: prefix")
	}

	got, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if got.Payload.Text != "hello" || got.Payload.Usage.InputTokens != 10 || got.Key != "k1" || got.Served() != "claude-sonnet-4" {
		t.Fatalf("Get returned %+v", got)
	}
}

func TestRedis_WriteOnce(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	_ = c.Put(ctx, "k", testEntry("k", "first", time.Hour))
	_ = c.Put(ctx, "k", testEntry("k", "second", time.Hour))

	got, _ := c.Get(ctx, "k")
	if got.Payload.Text != "first" {
		t.Fatalf("entry was overwritten: %q", got.Payload.Text)
	}
}

// TestRedis_TTLIsSet advances miniredis time past the TTL and confirms the
// key expires.
func TestRedis_TTLIsSet(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	ttl := 10 * time.Second
	_ = c.Put(ctx, "ttl", testEntry("ttl", "payload", ttl))

	if _, ok := c.Get(ctx, "ttl"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(ctx, "ttl"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedis_DefaultTTL(t *testing.T) {
	c, mr := newTestRedisCache(t)

	_ = c.Put(context.Background(), "k", testEntry("k", "x", 0))
	if got := mr.TTL("fp:k"); got != time.Hour {
		t.Fatalf("TTL = %v, want 1h", got)
	}
}

func TestRedis_Flush(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	for _, k := range []fingerprint.Key{"a", "b", "c"} {
		_ = c.Put(ctx, k, testEntry(k, "v", time.Hour))
	}
	_ = mr.Set("unrelated", "keep")

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("flushed entry still served")
	}
	if !mr.Exists("unrelated") {
		t.Fatal("Flush must only delete fingerprint keys")
	}
}

func TestRedis_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestRedisCache(t)
	_ = mr.Set("fp:bad", "{not json")

	if _, ok := c.Get(context.Background(), "bad"); ok {
		t.Fatal("corrupt entry must be a miss")
	}
	if c.Stats().Errors != 1 {
		t.Fatalf("errors = %d", c.Stats().Errors)
	}
}

// TestRedis_GracefulDegradation verifies that an unreachable server turns
// reads into misses and writes into reported, counted failures.
func TestRedis_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if _, ok := c.Get(context.Background(), "any"); ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if err := c.Put(context.Background(), "any", testEntry("any", "v", time.Hour)); err == nil {
		t.Fatal("Put must report a failed write")
	}
	if c.Stats().Errors < 2 {
		t.Fatalf("errors should be counted, got %d", c.Stats().Errors)
	}
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url", time.Hour); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestBackendsImplementInterface(t *testing.T) {
	var _ ResponseCache = (*RedisCache)(nil)
	var _ ResponseCache = (*MemoryCache)(nil)
}
