package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codepr/crawlkit/crawler/frontier"
	"github.com/codepr/crawlkit/crawler/urlfilter"
	"github.com/codepr/crawlkit/crawler/urlnorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFrontier() *frontier.Frontier {
	return frontier.New(frontier.Config{
		FilterConfig: urlfilter.Config{},
		MaxDepth:     5,
		Normalize:    true,
	})
}

func TestSchedulerProcessesAllOfferedTasksAndReachesDone(t *testing.T) {
	f := newTestFrontier()
	f.Offer("a.com", frontier.Task{URL: "https://a.com/1"})
	f.Offer("a.com", frontier.Task{URL: "https://a.com/2"})

	var processed int64
	handle := func(_ context.Context, domain string, task frontier.Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   2,
		MaxConcurrentPerDomain: 2,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := s.Run(ctx, []string{"a.com"}, handle)

	assert.Equal(t, int64(2), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(2), report.PagesEmitted)
	assert.Equal(t, Done, report.Domains["a.com"])
}

func TestSchedulerDiscoveredLinksAreOfferedDuringRun(t *testing.T) {
	f := newTestFrontier()
	f.Offer("a.com", frontier.Task{URL: "https://a.com/1"})

	var processed int64
	handle := func(_ context.Context, domain string, task frontier.Task) error {
		n := atomic.AddInt64(&processed, 1)
		if n == 1 {
			f.Offer(domain, frontier.Task{URL: "https://a.com/2", Depth: 1})
		}
		return nil
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   1,
		MaxConcurrentPerDomain: 1,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := s.Run(ctx, []string{"a.com"}, handle)

	assert.Equal(t, int64(2), atomic.LoadInt64(&processed))
	assert.Equal(t, int64(2), report.PagesEmitted)
}

func TestSchedulerRespectsPerDomainConcurrencyCap(t *testing.T) {
	f := newTestFrontier()
	for i := 0; i < 5; i++ {
		f.Offer("a.com", frontier.Task{URL: "https://a.com/" + string(rune('0'+i))})
	}

	var concurrent, maxConcurrent int64
	handle := func(ctx context.Context, domain string, task frontier.Task) error {
		n := atomic.AddInt64(&concurrent, 1)
		for {
			cur := atomic.LoadInt64(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt64(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&concurrent, -1)
		return nil
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   4,
		MaxConcurrentPerDomain: 1,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Run(ctx, []string{"a.com"}, handle)

	assert.LessOrEqual(t, atomic.LoadInt64(&maxConcurrent), int64(1))
}

func TestSchedulerStopsAdmittingAfterMaxPages(t *testing.T) {
	f := newTestFrontier()
	for i := 0; i < 10; i++ {
		f.Offer("a.com", frontier.Task{URL: "https://a.com/" + string(rune('a'+i))})
	}

	var processed int64
	handle := func(_ context.Context, domain string, task frontier.Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   2,
		MaxConcurrentPerDomain: 2,
		MaxPages:               3,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := s.Run(ctx, []string{"a.com"}, handle)

	assert.GreaterOrEqual(t, report.PagesEmitted, int64(3))
	assert.Equal(t, int64(3), atomic.LoadInt64(&processed))
	assert.Equal(t, Done, report.Domains["a.com"])
}

func TestSchedulerStopsAdmittingAfterMaxPagesPerDomain(t *testing.T) {
	f := newTestFrontier()
	for i := 0; i < 10; i++ {
		f.Offer("a.com", frontier.Task{URL: "https://a.com/" + string(rune('a'+i))})
	}

	var processed int64
	handle := func(_ context.Context, domain string, task frontier.Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   2,
		MaxConcurrentPerDomain: 2,
		MaxPagesPerDomain:      3,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := s.Run(ctx, []string{"a.com"}, handle)

	assert.GreaterOrEqual(t, report.PagesEmitted, int64(3))
	assert.Equal(t, int64(3), atomic.LoadInt64(&processed))
	assert.Equal(t, Done, report.Domains["a.com"])
}

func TestSchedulerCancellationStopsAndReports(t *testing.T) {
	f := newTestFrontier()
	f.Offer("a.com", frontier.Task{URL: "https://a.com/1"})

	blockCh := make(chan struct{})
	handle := func(ctx context.Context, domain string, task frontier.Task) error {
		select {
		case <-blockCh:
		case <-ctx.Done():
		}
		return ctx.Err()
	}

	s := New(f, Config{
		MaxConcurrentWorkers:   1,
		MaxConcurrentPerDomain: 1,
		QuiescenceChecks:       2,
		QuiescenceBackoff:      time.Millisecond,
		PollInterval:           time.Millisecond,
		ShutdownGrace:          100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan Report)
	go func() { done <- s.Run(ctx, []string{"a.com"}, handle) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation within shutdown grace")
	}
	close(blockCh)
}

func TestNewAppliesSpecDefaults(t *testing.T) {
	f := newTestFrontier()
	s := New(f, Config{})
	require.Equal(t, 3, s.cfg.QuiescenceChecks)
	require.Equal(t, 8, s.cfg.MaxConcurrentWorkers)
	require.Equal(t, 1, s.cfg.MaxConcurrentPerDomain)
}
