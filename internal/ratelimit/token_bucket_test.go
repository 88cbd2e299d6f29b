package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "mailbox:me@corp.io")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "mailbox:me@corp.io")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, tokens, _ := bucket.Allow(ctx, "mailbox:me@corp.io")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if tokens >= 1 {
		t.Fatalf("rejected call must report a drained bucket, got %f", tokens)
	}

	// Buckets are independent per key.
	allowed, _, _ = bucket.Allow(ctx, "mailbox:other@corp.io")
	if !allowed {
		t.Fatalf("expected separate bucket for second mailbox")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
