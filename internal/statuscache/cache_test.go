package statuscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, 3*time.Second, 3*time.Second, zerolog.Nop()), mr
}

func TestAllowThrottlesSecondPoll(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if !cache.Allow(ctx, "user-1") {
		t.Fatalf("first poll should be allowed")
	}
	if cache.Allow(ctx, "user-1") {
		t.Fatalf("second poll within the window should be throttled")
	}
	if !cache.Allow(ctx, "user-2") {
		t.Fatalf("different user must not be throttled")
	}
}

func TestAllowAfterWindowElapses(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if !cache.Allow(ctx, "user-1") {
		t.Fatalf("first poll should be allowed")
	}
	mr.FastForward(4 * time.Second)
	if !cache.Allow(ctx, "user-1") {
		t.Fatalf("poll after the window should be allowed")
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "u", "t"); ok {
		t.Fatalf("empty cache should miss")
	}
	cache.Put(ctx, "u", "t", 202, []byte(`{"status":"pending"}`))

	entry, ok := cache.Get(ctx, "u", "t")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if entry.Status != 202 {
		t.Fatalf("status mismatch: %d", entry.Status)
	}
	if string(entry.Payload) != `{"status":"pending"}` {
		t.Fatalf("payload mismatch: %s", entry.Payload)
	}

	mr.FastForward(4 * time.Second)
	if _, ok := cache.Get(ctx, "u", "t"); ok {
		t.Fatalf("entry should expire with the TTL")
	}
}

func TestNilClientFailsOpen(t *testing.T) {
	cache := New(nil, time.Second, time.Second, zerolog.Nop())
	if !cache.Allow(context.Background(), "u") {
		t.Fatalf("nil client must fail open")
	}
	if _, ok := cache.Get(context.Background(), "u", "t"); ok {
		t.Fatalf("nil client should always miss")
	}
}
