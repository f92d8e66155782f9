package frontier

import (
	"sync"
	"testing"

	"github.com/codepr/crawlkit/crawler/urlnorm"
)

func newTestFrontier(maxDepth int) *Frontier {
	return New(Config{MaxDepth: maxDepth, Normalize: true, NormalizeOptions: urlnorm.Options{}})
}

func TestOfferThenTakeFIFO(t *testing.T) {
	f := newTestFrontier(5)
	f.Offer("h", Task{URL: "http://h/a"})
	f.Offer("h", Task{URL: "http://h/b"})

	first, ok := f.Take("h")
	if !ok || first.URL != "http://h/a" {
		t.Fatalf("expected /a first, got %+v ok=%v", first, ok)
	}
	second, ok := f.Take("h")
	if !ok || second.URL != "http://h/b" {
		t.Fatalf("expected /b second, got %+v ok=%v", second, ok)
	}
	if _, ok := f.Take("h"); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestOfferDedup(t *testing.T) {
	f := newTestFrontier(5)
	if !f.Offer("h", Task{URL: "http://h/a"}) {
		t.Fatalf("expected first offer to succeed")
	}
	if f.Offer("h", Task{URL: "http://h/a"}) {
		t.Fatalf("expected duplicate offer to be rejected")
	}
}

func TestOfferDedupUnderNormalization(t *testing.T) {
	f := newTestFrontier(5)
	if !f.Offer("h", Task{URL: "http://h/?b=2&a=1"}) {
		t.Fatalf("expected first offer to succeed")
	}
	if f.Offer("h", Task{URL: "http://h/?a=1&b=2"}) {
		t.Fatalf("expected normalized duplicate to be rejected")
	}
}

func TestOfferRejectsBeyondMaxDepth(t *testing.T) {
	f := newTestFrontier(2)
	if f.Offer("h", Task{URL: "http://h/a", Depth: 3}) {
		t.Fatalf("expected depth beyond max to be rejected")
	}
	if !f.Offer("h", Task{URL: "http://h/b", Depth: 2}) {
		t.Fatalf("expected depth at max to be accepted")
	}
}

func TestOfferConcurrentExactlyOneWinner(t *testing.T) {
	f := newTestFrontier(5)
	const n = 50
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Offer("h", Task{URL: "http://h/same"}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCountersAndSnapshot(t *testing.T) {
	f := newTestFrontier(5)
	f.Offer("h", Task{URL: "http://h/a"})
	if qs, aw := f.Snapshot("h"); qs != 1 || aw != 0 {
		t.Fatalf("expected queueSize=1 activeWorkers=0, got %d %d", qs, aw)
	}
	f.Take("h")
	f.IncActiveWorkers("h")
	if qs, aw := f.Snapshot("h"); qs != 0 || aw != 1 {
		t.Fatalf("expected queueSize=0 activeWorkers=1, got %d %d", qs, aw)
	}
	f.IncPagesEmitted("h")
	if got := f.PagesEmitted("h"); got != 1 {
		t.Fatalf("expected pagesEmitted=1, got %d", got)
	}
	f.DecActiveWorkers("h")
	if got := f.ActiveWorkers("h"); got != 0 {
		t.Fatalf("expected activeWorkers=0, got %d", got)
	}
}

func TestDomainsIndependent(t *testing.T) {
	f := newTestFrontier(5)
	f.Offer("a", Task{URL: "http://a/x"})
	f.Offer("b", Task{URL: "http://b/x"})
	domains := f.Domains()
	if len(domains) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(domains))
	}
}
