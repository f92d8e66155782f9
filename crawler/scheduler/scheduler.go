// Package scheduler implements per-domain admission under global and
// per-domain concurrency caps, the per-domain Idle→Running→Draining→Done
// state machine, and a two-phase stable-snapshot quiescence check that
// avoids the dequeue/active-counter race.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codepr/crawlkit/crawler/frontier"
)

// Status is one domain's position in the state machine.
type Status int

const (
	Idle Status = iota
	Running
	Draining
	Done
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// TaskHandler runs a single task's full lifecycle (the Worker), returning
// an error iff the task failed. It must itself honor ctx cancellation.
type TaskHandler func(ctx context.Context, domain string, task frontier.Task) error

// Config configures a Scheduler, mirroring the relevant subset of
// crawler.Config.
type Config struct {
	MaxConcurrentWorkers   int
	MaxConcurrentPerDomain int
	MaxPages               int // 0 = unbounded
	// MaxPagesPerDomain caps pages emitted for any single domain. 0 =
	// unbounded.
	MaxPagesPerDomain int
	// QuiescenceChecks is K, the number of consecutive stable
	// (queue=0, active=0) snapshots required before Running transitions
	// to Draining. Defaults to 3.
	QuiescenceChecks int
	// QuiescenceBackoff separates successive snapshot checks.
	QuiescenceBackoff time.Duration
	// PollInterval is how often the Scheduler's main loop wakes to look
	// for newly offered work when nothing was immediately admittable.
	PollInterval time.Duration
	// ShutdownGrace bounds how long Run waits for in-flight workers to
	// unwind after ctx is cancelled.
	ShutdownGrace time.Duration
	Logger        *log.Logger
}

type domainState struct {
	status      Status
	zeroStreak  int
	drainStreak int
	admitted    int
}

// Report summarizes one Run call's outcome.
type Report struct {
	PagesEmitted int64
	Failures     int64
	Domains      map[string]Status
}

// Scheduler coordinates Workers across domains on top of a Frontier.
type Scheduler struct {
	frontier *frontier.Frontier
	cfg      Config

	globalSem chan struct{}

	mu        sync.Mutex
	domainSem map[string]chan struct{}
	states    map[string]*domainState

	pagesEmitted int64
	failures     int64
	wg           sync.WaitGroup
}

// New creates a Scheduler. Zero-valued Config fields fall back to sane
// defaults (K=3, 10ms backoff, 50ms poll, 10s shutdown grace).
func New(f *frontier.Frontier, cfg Config) *Scheduler {
	if cfg.QuiescenceChecks <= 0 {
		cfg.QuiescenceChecks = 3
	}
	if cfg.QuiescenceBackoff <= 0 {
		cfg.QuiescenceBackoff = 10 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 8
	}
	if cfg.MaxConcurrentPerDomain <= 0 {
		cfg.MaxConcurrentPerDomain = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "scheduler: ", log.LstdFlags)
	}
	return &Scheduler{
		frontier:  f,
		cfg:       cfg,
		globalSem: make(chan struct{}, cfg.MaxConcurrentWorkers),
		domainSem: make(map[string]chan struct{}),
		states:    make(map[string]*domainState),
	}
}

func (s *Scheduler) stateFor(domain string) *domainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[domain]
	if !ok {
		st = &domainState{status: Idle}
		s.states[domain] = st
		s.domainSem[domain] = make(chan struct{}, s.cfg.MaxConcurrentPerDomain)
	}
	return st
}

func (s *Scheduler) domainSemFor(domain string) chan struct{} {
	s.stateFor(domain) // ensures domainSem is initialized
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domainSem[domain]
}

// tryAdmit attempts to reserve one global and one per-domain slot,
// returning true iff both were acquired. On partial failure it releases
// whatever it took.
func (s *Scheduler) tryAdmit(domain string) bool {
	select {
	case s.globalSem <- struct{}{}:
	default:
		return false
	}
	sem := s.domainSemFor(domain)
	select {
	case sem <- struct{}{}:
		return true
	default:
		<-s.globalSem
		return false
	}
}

// hasCapacity reports, without reserving, whether both a global and a
// per-domain slot look available. It is a best-effort pre-check: Admission
// is only final when tryAdmit succeeds, since another goroutine may win
// the race in between.
func (s *Scheduler) hasCapacity(domain string) bool {
	sem := s.domainSemFor(domain)
	return len(s.globalSem) < cap(s.globalSem) && len(sem) < cap(sem)
}

func (s *Scheduler) release(domain string) {
	<-s.globalSem
	<-s.domainSemFor(domain)
}

// Run drives the scheduling loop until every known domain reaches Done or
// ctx is cancelled, whichever happens first. seeds names the domains that
// exist before the first Offer (so a crawl with seeds not yet taken still
// gets polled).
func (s *Scheduler) Run(ctx context.Context, seeds []string, handle TaskHandler) Report {
	for _, d := range seeds {
		s.stateFor(d)
	}

	for {
		if s.quotaReached() {
			s.drainAll()
		}

		progressed := s.admitRound(ctx, handle)

		if !progressed {
			s.tickQuiescence()
			if s.allDone() {
				break
			}
		}

		select {
		case <-ctx.Done():
			s.waitShutdown()
			return s.report()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	s.wg.Wait()
	return s.report()
}

// admitRound scans every known domain once, admitting and dispatching as
// many tasks as current capacity allows. It returns true iff at least one
// task was dispatched.
func (s *Scheduler) admitRound(ctx context.Context, handle TaskHandler) bool {
	if ctx.Err() != nil {
		return false
	}
	progressed := false
	for _, domain := range s.knownDomains() {
		if s.domainQuotaReached(domain) {
			s.drainDomain(domain)
		}
		st := s.stateFor(domain)
		s.mu.Lock()
		status := st.status
		s.mu.Unlock()
		if status == Draining || status == Done {
			continue
		}
		for s.hasCapacity(domain) {
			// In-flight tasks count against the page caps, so admission
			// never lets emitted pages exceed MaxPages/MaxPagesPerDomain.
			if s.cfg.MaxPages > 0 && atomic.LoadInt64(&s.pagesEmitted)+int64(len(s.globalSem)) >= int64(s.cfg.MaxPages) {
				break
			}
			if s.cfg.MaxPagesPerDomain > 0 && s.frontier.PagesEmitted(domain)+s.frontier.ActiveWorkers(domain) >= s.cfg.MaxPagesPerDomain {
				break
			}
			task, ok := s.frontier.Take(domain)
			if !ok {
				break
			}
			if !s.tryAdmit(domain) {
				// Put it back conceptually: RestoreTask re-enqueues
				// without re-running the filter/dedup check, which is
				// correct since this task already passed Offer once.
				s.frontier.RestoreTask(domain, task)
				break
			}
			s.frontier.IncActiveWorkers(domain)
			s.mu.Lock()
			st.status = Running
			st.zeroStreak = 0
			s.mu.Unlock()
			progressed = true

			s.wg.Add(1)
			go s.runTask(ctx, domain, task, handle)
		}
	}
	return progressed
}

func (s *Scheduler) runTask(ctx context.Context, domain string, task frontier.Task, handle TaskHandler) {
	defer s.wg.Done()
	defer s.release(domain)
	defer s.frontier.DecActiveWorkers(domain)

	err := handle(ctx, domain, task)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		s.cfg.Logger.Printf("task failed domain=%s url=%s: %v", domain, task.URL, err)
		return
	}
	s.frontier.IncPagesEmitted(domain)
	atomic.AddInt64(&s.pagesEmitted, 1)
}

// tickQuiescence advances each domain's stable-snapshot streak by one
// check, transitioning Running→Draining after QuiescenceChecks consecutive
// zero snapshots, and Draining→Done after two more consecutive checks with
// no active worker. Tasks still queued for a Draining domain are never
// taken and do not hold it open.
func (s *Scheduler) tickQuiescence() {
	for _, domain := range s.knownDomains() {
		st := s.stateFor(domain)
		queueSize, active := s.frontier.Snapshot(domain)
		quiet := queueSize == 0 && active == 0

		s.mu.Lock()
		switch st.status {
		case Idle:
			if !quiet {
				st.status = Running
			}
		case Running:
			if quiet {
				st.zeroStreak++
				if st.zeroStreak >= s.cfg.QuiescenceChecks {
					st.status = Draining
					s.frontier.SetDraining(domain, true)
					st.drainStreak = 0
				}
			} else {
				st.zeroStreak = 0
			}
		case Draining:
			if active == 0 {
				st.drainStreak++
				if st.drainStreak >= 2 {
					st.status = Done
				}
			} else {
				st.drainStreak = 0
			}
		}
		s.mu.Unlock()
	}
	time.Sleep(s.cfg.QuiescenceBackoff)
}

func (s *Scheduler) quotaReached() bool {
	if s.cfg.MaxPages <= 0 {
		return false
	}
	return atomic.LoadInt64(&s.pagesEmitted) >= int64(s.cfg.MaxPages)
}

// drainAll marks every known domain Draining and refuses further Takes,
// the Running → (maxPages reached) → Draining transition.
func (s *Scheduler) drainAll() {
	for _, domain := range s.knownDomains() {
		s.drainDomain(domain)
	}
}

// drainDomain marks a single domain Draining and refuses further Takes for
// it, used both by the global maxPages transition and by the per-domain
// maxPagesPerDomain cap.
func (s *Scheduler) drainDomain(domain string) {
	st := s.stateFor(domain)
	s.mu.Lock()
	if st.status == Running || st.status == Idle {
		st.status = Draining
		st.drainStreak = 0
	}
	s.mu.Unlock()
	s.frontier.SetDraining(domain, true)
}

// domainQuotaReached reports whether domain has reached MaxPagesPerDomain
// (0 = unbounded).
func (s *Scheduler) domainQuotaReached(domain string) bool {
	if s.cfg.MaxPagesPerDomain <= 0 {
		return false
	}
	return s.frontier.PagesEmitted(domain) >= s.cfg.MaxPagesPerDomain
}

func (s *Scheduler) allDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return false
	}
	for _, st := range s.states {
		if st.status != Done {
			return false
		}
	}
	return true
}

func (s *Scheduler) knownDomains() []string {
	fromFrontier := s.frontier.Domains()
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.states)+len(fromFrontier))
	out := make([]string, 0, len(s.states)+len(fromFrontier))
	for _, d := range fromFrontier {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for d := range s.states {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// waitShutdown waits for in-flight workers to unwind, bounded by
// ShutdownGrace.
func (s *Scheduler) waitShutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.cfg.Logger.Printf("shutdown grace period elapsed with workers still in flight")
	}
}

func (s *Scheduler) report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	domains := make(map[string]Status, len(s.states))
	for d, st := range s.states {
		domains[d] = st.status
	}
	return Report{
		PagesEmitted: atomic.LoadInt64(&s.pagesEmitted),
		Failures:     atomic.LoadInt64(&s.failures),
		Domains:      domains,
	}
}
