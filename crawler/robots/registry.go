// Package robots implements the per-origin robots.txt fetch-and-cache
// registry: Check answers Allowed/CrawlDelay queries, fetching and
// caching on miss, failing open on fetch error, and deduplicating
// concurrent misses for the same origin via a single-flight group.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const robotsPath = "/robots.txt"

// DefaultTTL is how long a successfully fetched robots.txt is cached
// before being refetched lazily on the next Check.
const DefaultTTL = time.Hour

// negativeTTL caps how long a failed fetch's fail-open entry is cached, so
// a transient outage doesn't permanently disable robots checks for an
// origin.
const negativeTTL = time.Minute

// Check is the result of a robots.txt query for one URL.
type Check struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// HTTPDoer is the minimal client contract the Registry needs, satisfied by
// *http.Client and by crawler/fetcher's client. Kept minimal on purpose so
// this package never imports crawler/fetcher (no cycle, no coupling to
// retry/redirect policy — robots.txt fetches are best-effort and fail
// open regardless).
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type cacheEntry struct {
	group     *robotstxt.RobotsData
	fetchedAt time.Time
	ttl       time.Duration
	negative  bool
}

// Registry caches parsed robots.txt files per origin.
type Registry struct {
	client              HTTPDoer
	maxCrawlDelay       time.Duration
	ttl                 time.Duration
	mu                  sync.RWMutex
	cache               map[string]*cacheEntry
	sf                  singleflight.Group
}

// New creates a Registry. maxCrawlDelay caps the Crawl-delay directive
// value returned by CrawlDelay, protecting against a hostile or
// misconfigured robots.txt demanding an absurd delay.
func New(client HTTPDoer, maxCrawlDelay time.Duration) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{
		client:        client,
		maxCrawlDelay: maxCrawlDelay,
		ttl:           DefaultTTL,
		cache:         make(map[string]*cacheEntry),
	}
}

// Check answers whether userAgent may fetch path on origin, and the crawl
// delay to honor for that origin. On a fetch failure (transport error,
// 5xx, 429) it fails open: Allowed is true and a short-TTL negative entry
// is cached so the origin is retried soon rather than never. A robots.txt
// that cannot be parsed is treated like a missing one and cached for the
// normal TTL.
func (r *Registry) Check(ctx context.Context, origin, path, userAgent string) (Check, error) {
	entry, err := r.entryFor(ctx, origin, userAgent)
	if err != nil {
		return Check{Allowed: true}, err
	}
	if entry.negative || entry.group == nil {
		return Check{Allowed: true}, nil
	}
	group := entry.group.FindGroup(userAgent)
	allowed := true
	var delay time.Duration
	if group != nil {
		allowed = group.Test(path)
		delay = group.CrawlDelay
	}
	if delay > r.maxCrawlDelay && r.maxCrawlDelay > 0 {
		delay = r.maxCrawlDelay
	}
	return Check{Allowed: allowed, CrawlDelay: delay}, nil
}

// CrawlDelay returns only the crawl delay for an origin, 0 if none is
// declared or the origin was never fetched (use Check to fetch lazily).
func (r *Registry) CrawlDelay(origin, userAgent string) time.Duration {
	r.mu.RLock()
	entry, ok := r.cache[origin]
	r.mu.RUnlock()
	if !ok || entry.negative || entry.group == nil {
		return 0
	}
	group := entry.group.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	delay := group.CrawlDelay
	if r.maxCrawlDelay > 0 && delay > r.maxCrawlDelay {
		delay = r.maxCrawlDelay
	}
	return delay
}

func (r *Registry) entryFor(ctx context.Context, origin, userAgent string) (*cacheEntry, error) {
	r.mu.RLock()
	entry, ok := r.cache[origin]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < entry.ttl {
		return entry, nil
	}

	v, err, _ := r.sf.Do(origin, func() (any, error) {
		fetched, ferr := r.fetch(ctx, origin, userAgent)
		r.mu.Lock()
		r.cache[origin] = fetched
		r.mu.Unlock()
		return fetched, ferr
	})
	if err != nil {
		if v != nil {
			return v.(*cacheEntry), err
		}
		return &cacheEntry{negative: true, fetchedAt: time.Now(), ttl: negativeTTL}, err
	}
	return v.(*cacheEntry), nil
}

func (r *Registry) fetch(ctx context.Context, origin, userAgent string) (*cacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+robotsPath, nil)
	if err != nil {
		return &cacheEntry{negative: true, fetchedAt: time.Now(), ttl: negativeTTL}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return &cacheEntry{negative: true, fetchedAt: time.Now(), ttl: negativeTTL}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &cacheEntry{fetchedAt: time.Now(), ttl: r.ttl}, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &cacheEntry{negative: true, fetchedAt: time.Now(), ttl: negativeTTL},
			fmt.Errorf("robots.txt fetch for %s failed: status %d", origin, resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		// Invalid robots.txt is treated like "no robots.txt": full
		// access.
		return &cacheEntry{negative: true, fetchedAt: time.Now(), ttl: r.ttl}, nil
	}
	return &cacheEntry{group: data, fetchedAt: time.Now(), ttl: r.ttl}, nil
}
