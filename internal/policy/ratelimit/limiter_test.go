package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/stopsearch-ingest/internal/metrics"
)

func TestLimiter_Wait(t *testing.T) {
	metrics.Init()

	// 10 RPS = one token every 100ms, burst 1 means one free token.
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	// First call should be immediate.
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	// Next one should wait ~100ms.
	start = time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	dur := time.Since(start)
	if dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_WaitCanceled(t *testing.T) {
	metrics.Init()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	// Consume the initial token so the next wait would block for ~1s.
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	canceled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(canceled); err == nil {
		t.Error("expected error from canceled wait")
	}
}

func TestLimiter_UnlimitedWhenRPSNonPositive(t *testing.T) {
	metrics.Init()

	l := New(Config{RPS: 0, Burst: 0})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter blocked for %v", time.Since(start))
	}
}
