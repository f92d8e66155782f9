// Package ratelimit implements the per-origin rate limiter: a token
// bucket honoring a configured requests-per-second ceiling, combined
// with a minimum inter-request interval derived from the origin's robots
// Crawl-delay (whichever constraint is tighter wins).
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Limiter gates fetches per origin. It is safe for concurrent use.
type Limiter struct {
	clock   clock.Clock
	mu      sync.Mutex
	buckets map[string]*originState
}

type originState struct {
	limiter    *rate.Limiter
	crawlDelay time.Duration
	lastStart  time.Time
}

// New creates a Limiter using the real wall clock.
func New() *Limiter {
	return NewWithClock(clock.New())
}

// NewWithClock creates a Limiter using the supplied clock, for deterministic
// tests.
func NewWithClock(c clock.Clock) *Limiter {
	return &Limiter{clock: c, buckets: make(map[string]*originState)}
}

// Configure sets (or updates) the requests-per-second ceiling and burst
// size for an origin. burst defaults to rps (rounded up) when <= 0.
func (l *Limiter) Configure(origin string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if burst <= 0 {
		burst = int(math.Ceil(rps))
		if burst < 1 {
			burst = 1
		}
	}
	st := l.stateLocked(origin)
	st.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// SetCrawlDelay records the minimum inter-request interval to honor for
// an origin, as derived from robots.txt (already capped by the caller).
func (l *Limiter) SetCrawlDelay(origin string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(origin).crawlDelay = delay
}

func (l *Limiter) stateLocked(origin string) *originState {
	st, ok := l.buckets[origin]
	if !ok {
		st = &originState{limiter: rate.NewLimiter(rate.Inf, 1)}
		l.buckets[origin] = st
	}
	return st
}

// Acquire suspends the caller until both the token bucket has a token
// available and the crawl-delay interval since the previous fetch to this
// origin has elapsed, whichever is tighter. Cancellation releases no
// token (the underlying rate.Limiter's reservation is cancelled).
func (l *Limiter) Acquire(ctx context.Context, origin string) error {
	l.mu.Lock()
	st := l.stateLocked(origin)
	lim := st.limiter
	delay := st.crawlDelay
	last := st.lastStart
	l.mu.Unlock()

	if delay > 0 {
		wait := delay - l.clock.Now().Sub(last)
		if wait > 0 {
			t := l.clock.Timer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	st.lastStart = l.clock.Now()
	l.mu.Unlock()
	return nil
}
