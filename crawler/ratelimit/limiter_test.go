package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLimiterTokenBucketThrottles(t *testing.T) {
	l := New()
	l.Configure("http://h", 100, 1) // burst 1, fast refill
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "http://h"); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("expected fast acquisitions with burst 1 at 100 rps, took %v", time.Since(start))
	}
	// Burst 1 at 100 rps: the 2nd and 3rd acquisitions each wait ~10ms.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected the bucket to throttle acquisitions beyond the burst, took only %v", elapsed)
	}
}

func TestLimiterCrawlDelayEnforced(t *testing.T) {
	mock := clock.NewMock()
	l := NewWithClock(mock)
	l.Configure("http://h", 1000, 10) // token bucket effectively unconstrained
	l.SetCrawlDelay("http://h", 2*time.Second)

	ctx := context.Background()
	if err := l.Acquire(ctx, "http://h"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "http://h") }()

	// Give the goroutine a moment to block on the timer, then advance
	// less than the crawl delay: it must still be waiting.
	time.Sleep(20 * time.Millisecond)
	mock.Add(1 * time.Second)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("expected Acquire to still be waiting before crawl delay elapses")
	default:
	}

	mock.Add(1100 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Acquire to unblock once crawl delay elapsed")
	}
}

func TestLimiterAcquireCancellation(t *testing.T) {
	mock := clock.NewMock()
	l := NewWithClock(mock)
	l.Configure("http://h", 1000, 10)
	l.SetCrawlDelay("http://h", time.Hour)
	_ = l.Acquire(context.Background(), "http://h")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "http://h") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Acquire to return promptly on cancellation")
	}
}

func TestLimiterPerOriginIndependent(t *testing.T) {
	l := New()
	l.Configure("http://a", 1, 1)
	l.Configure("http://b", 1000, 10)
	ctx := context.Background()

	_ = l.Acquire(ctx, "http://a")
	start := time.Now()
	if err := l.Acquire(ctx, "http://b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("origin b should not be throttled by origin a's bucket")
	}
}
