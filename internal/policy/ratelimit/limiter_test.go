package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	var observed atomic.Int32
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
		OnDelay: func(key string, _ time.Duration) {
			if key == "lookup.example.com" {
				observed.Add(1)
			}
		},
	})
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx, "lookup.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Wait(ctx, "lookup.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected second wait to be delayed, took %v", elapsed)
	}
	if observed.Load() == 0 {
		t.Error("expected OnDelay to observe the throttled wait")
	}

	// A different key has its own bucket.
	start = time.Now()
	if err := l.Wait(ctx, "other.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected independent bucket, waited %v", elapsed)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(Config{})
	for range 100 {
		if err := l.Wait(context.Background(), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	if err := l.Wait(ctx, "k"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
