package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	// The script takes its clock from Go, so tests move it by hand.
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.Allow(ctx, SchoolKey(5))
		if err != nil || !d.Allowed {
			t.Fatalf("expected token %d allowed got allowed=%v err=%v", i, d.Allowed, err)
		}
	}
	d, err := bucket.Allow(ctx, SchoolKey(5))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s got %v", d.RetryAfter)
	}

	// Buckets are per school.
	d, err = bucket.Allow(ctx, SchoolKey(6))
	if err != nil || !d.Allowed {
		t.Fatalf("expected other school allowed got allowed=%v err=%v", d.Allowed, err)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	d, _ := bucket.Allow(ctx, SchoolKey(1))
	if !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	d, _ = bucket.Allow(ctx, SchoolKey(1))
	if d.Allowed {
		t.Fatalf("expected empty bucket to reject")
	}

	*clock = clock.Add(250 * time.Millisecond)
	d, err := bucket.Allow(ctx, SchoolKey(1))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected half a token to be rejected")
	}
	if math.Abs(d.Remaining-0.5) > 0.001 {
		t.Fatalf("expected 0.5 tokens remaining got %v", d.Remaining)
	}
	if d.RetryAfter != 250*time.Millisecond {
		t.Fatalf("expected retry after 250ms got %v", d.RetryAfter)
	}

	*clock = clock.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, SchoolKey(1))
	if err != nil || !d.Allowed {
		t.Fatalf("expected refilled token allowed got allowed=%v err=%v", d.Allowed, err)
	}
}
