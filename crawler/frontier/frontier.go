// Package frontier implements the per-domain FIFO queue and seen-set
// fabric: Offer is the single choke point for dedup, so that concurrent
// Offers of the same URL admit exactly one winner.
package frontier

import (
	"sync"

	"github.com/codepr/crawlkit/crawler/urlfilter"
	"github.com/codepr/crawlkit/crawler/urlnorm"
)

// Task mirrors crawler.CrawlTask's shape without importing the crawler
// package, keeping frontier a leaf package.
type Task struct {
	URL       string
	Depth     int
	ParentURL string
	Metadata  map[string]string
}

type domainQueue struct {
	mu            sync.Mutex
	queue         []Task
	seen          map[string]struct{}
	activeWorkers int
	pagesEmitted  int
	draining      bool
}

// Frontier is the set of per-domain queues plus dedup sets.
type Frontier struct {
	filterCfg urlfilter.Config
	normOpts  urlnorm.Options
	maxDepth  int
	normalize bool

	mu      sync.RWMutex
	domains map[string]*domainQueue
}

// Config bundles the knobs Offer needs, threaded from crawler.Config.
type Config struct {
	FilterConfig     urlfilter.Config
	NormalizeOptions urlnorm.Options
	MaxDepth         int
	Normalize        bool
}

// New creates an empty Frontier.
func New(cfg Config) *Frontier {
	return &Frontier{
		filterCfg: cfg.FilterConfig,
		normOpts:  cfg.NormalizeOptions,
		maxDepth:  cfg.MaxDepth,
		normalize: cfg.Normalize,
		domains:   make(map[string]*domainQueue),
	}
}

func (f *Frontier) domainFor(domain string) *domainQueue {
	f.mu.RLock()
	dq, ok := f.domains[domain]
	f.mu.RUnlock()
	if ok {
		return dq
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dq, ok = f.domains[domain]; ok {
		return dq
	}
	dq = &domainQueue{seen: make(map[string]struct{})}
	f.domains[domain] = dq
	return dq
}

// Offer admits task into domain's queue iff it passes the URL Filter, its
// normalized URL has not been seen before in this domain, and its depth is
// within bounds. It returns true iff the task was enqueued. Concurrent
// Offers of the same URL are serialized per domain so exactly one wins.
func (f *Frontier) Offer(domain string, task Task) bool {
	if task.Depth > f.maxDepth {
		return false
	}
	res := urlfilter.Filter(task.URL, f.filterCfg)
	if !res.Follow {
		return false
	}

	key := task.URL
	if f.normalize {
		key = urlnorm.Normalize(task.URL, f.normOpts)
	}

	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if _, seen := dq.seen[key]; seen {
		return false
	}
	dq.seen[key] = struct{}{}
	dq.queue = append(dq.queue, task)
	return true
}

// Take non-blockingly dequeues the next task for domain, or ok=false if
// the queue is empty.
func (f *Frontier) Take(domain string) (Task, bool) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if len(dq.queue) == 0 {
		return Task{}, false
	}
	t := dq.queue[0]
	dq.queue = dq.queue[1:]
	return t, true
}

// QueueSize returns the number of tasks currently queued for domain.
func (f *Frontier) QueueSize(domain string) int {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.queue)
}

// ActiveWorkers returns the number of workers currently processing a task
// for domain.
func (f *Frontier) ActiveWorkers(domain string) int {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.activeWorkers
}

// IncActiveWorkers increments the active worker count for domain, called
// by the Scheduler immediately after a successful Take to close the race
// between dequeue and accounting.
func (f *Frontier) IncActiveWorkers(domain string) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.activeWorkers++
	dq.mu.Unlock()
}

// DecActiveWorkers decrements the active worker count for domain, called
// when a worker finishes processing a task (success or failure).
func (f *Frontier) DecActiveWorkers(domain string) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	if dq.activeWorkers > 0 {
		dq.activeWorkers--
	}
	dq.mu.Unlock()
}

// PagesEmitted returns the number of pages successfully emitted for
// domain.
func (f *Frontier) PagesEmitted(domain string) int {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.pagesEmitted
}

// IncPagesEmitted increments the emitted-page counter for domain.
func (f *Frontier) IncPagesEmitted(domain string) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.pagesEmitted++
	dq.mu.Unlock()
}

// SetDraining records whether domain is draining, as reported by
// IsDraining. Neither Take nor Offer consults the flag; the Scheduler
// stops taking from a draining domain on its own.
func (f *Frontier) SetDraining(domain string, draining bool) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.draining = draining
	dq.mu.Unlock()
}

// IsDraining reports whether domain has been marked as draining.
func (f *Frontier) IsDraining(domain string) bool {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.draining
}

// Domains returns the set of domain names known to the Frontier so far.
func (f *Frontier) Domains() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.domains))
	for d := range f.domains {
		out = append(out, d)
	}
	return out
}

// Snapshot returns a stable (queueSize, activeWorkers) pair for domain,
// taken under a single lock acquisition, for the Scheduler's quiescence
// check.
func (f *Frontier) Snapshot(domain string) (queueSize, activeWorkers int) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.queue), dq.activeWorkers
}

// RestoreSeen marks normalizedURL as already seen for domain without
// enqueueing a task, used by Resumability to rebuild the seen-set from a
// snapshot/delta log on resume.
func (f *Frontier) RestoreSeen(domain, normalizedURL string) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.seen[normalizedURL] = struct{}{}
	dq.mu.Unlock()
}

// RestoreTask re-enqueues task for domain without running it through the
// filter or dedup check again (the check already happened when the delta
// was originally recorded), used on resume.
func (f *Frontier) RestoreTask(domain string, task Task) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.queue = append(dq.queue, task)
	dq.mu.Unlock()
}

// RestoreCounters sets the pages-emitted counter for domain directly,
// used on resume after replaying the delta log.
func (f *Frontier) RestoreCounters(domain string, pagesEmitted int) {
	dq := f.domainFor(domain)
	dq.mu.Lock()
	dq.pagesEmitted = pagesEmitted
	dq.mu.Unlock()
}
