package crawler

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/codepr/crawlkit/crawler/cookiejar"
	"github.com/codepr/crawlkit/crawler/fetcher"
	"github.com/codepr/crawlkit/crawler/frontier"
	"github.com/codepr/crawlkit/crawler/middleware"
	"github.com/codepr/crawlkit/crawler/parser"
	"github.com/codepr/crawlkit/crawler/ratelimit"
	"github.com/codepr/crawlkit/crawler/resumability"
	"github.com/codepr/crawlkit/crawler/robots"
	"github.com/codepr/crawlkit/crawler/scheduler"
	"github.com/codepr/crawlkit/crawler/urlfilter"
	"github.com/codepr/crawlkit/crawler/urlnorm"
)

// WebCrawler orchestrates every component into one polite, resumable,
// multi-domain crawl: functional-options construction, a
// component-prefixed *log.Logger, and a single Crawl entry point.
type WebCrawler struct {
	cfg *Config

	logger    *log.Logger
	frontier  *frontier.Frontier
	scheduler *scheduler.Scheduler
	limiter   *ratelimit.Limiter
	robotsReg *robots.Registry
	pipeline  *middleware.Pipeline
	fetcher   *fetcher.Fetcher
	parser    *parser.Parser
	jar       *cookiejar.Jar
	sink      Sink

	backend resumability.StorageBackend // nil when resumability is disabled
	session *resumability.Session
}

// New constructs a WebCrawler from DefaultConfig plus opts. Resumability
// stays disabled; use NewWithBackend to persist and resume a session.
func New(sink Sink, opts ...CrawlerOpt) (*WebCrawler, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Resumability.Enabled = false
	return buildCore(cfg, sink)
}

// NewFromEnv constructs a WebCrawler from environment variables (see
// crawler/env).
func NewFromEnv(sink Sink, opts ...CrawlerOpt) (*WebCrawler, error) {
	cfg := ConfigFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Resumability.Enabled = false
	return buildCore(cfg, sink)
}

// NewWithBackend is like New but wires a resumability session against
// backend, enabling the full-state/delta/hybrid persistence strategies.
func NewWithBackend(sink Sink, backend resumability.StorageBackend, opts ...CrawlerOpt) (*WebCrawler, error) {
	cfg := DefaultConfig()
	cfg.Resumability.Enabled = true
	for _, opt := range opts {
		opt(cfg)
	}
	wc, err := buildCore(cfg, sink)
	if err != nil {
		return nil, err
	}
	wc.backend = backend
	wc.session = resumability.NewSession(backend,
		resumability.WithStrategy(resumability.Strategy(cfg.Resumability.Strategy)),
		resumability.WithSnapshotEvery(cfg.Resumability.SnapshotEveryEvents),
		resumability.WithSnapshotInterval(cfg.Resumability.SnapshotEvery))
	return wc, nil
}

// ResumeWithBackend resumes sessionID from backend, replaying deltas onto
// the latest snapshot, and rehydrates the Frontier's queues and seen-set
// before returning.
func ResumeWithBackend(ctx context.Context, sink Sink, backend resumability.StorageBackend, sessionID string, opts ...CrawlerOpt) (*WebCrawler, error) {
	cfg := DefaultConfig()
	cfg.Resumability.Enabled = true
	for _, opt := range opts {
		opt(cfg)
	}
	wc, err := buildCore(cfg, sink)
	if err != nil {
		return nil, err
	}
	wc.backend = backend

	session, state, err := resumability.Resume(ctx, backend, sessionID,
		resumability.WithStrategy(resumability.Strategy(cfg.Resumability.Strategy)),
		resumability.WithSnapshotEvery(cfg.Resumability.SnapshotEveryEvents),
		resumability.WithSnapshotInterval(cfg.Resumability.SnapshotEvery))
	if err != nil {
		return nil, &SessionError{SessionID: sessionID, Err: err}
	}
	wc.session = session

	for domain, urls := range state.Frontier {
		for _, u := range urls {
			wc.frontier.RestoreTask(domain, frontier.Task{URL: u})
		}
	}
	for _, u := range state.Seen {
		wc.frontier.RestoreSeen(domainOf(u), u)
	}
	return wc, nil
}

// buildCore assembles every component shared by all construction paths.
func buildCore(cfg *Config, sink Sink) (*WebCrawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, &ConfigurationError{Field: "Sink", Reason: "must not be nil"}
	}

	logger := log.New(os.Stderr, "crawler: ", log.LstdFlags)
	jar := cookiejar.New()

	f := fetcher.New(fetcher.Options{
		UserAgent:  cfg.UserAgent,
		Timeout:    time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Retries:    cfg.Retries,
		RetryDelay: time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		Redirects:  redirectPolicy(cfg.FollowRedirects),
		CookieJar:  jar,
		OnRetry: func(attempt int, url string, err error) {
			logger.Printf("retry #%d for %s: %v", attempt, url, err)
		},
	})

	robotsReg := robots.New(http.DefaultClient, time.Duration(cfg.MaxRobotsCrawlDelayMs)*time.Millisecond)

	fr := frontier.New(frontier.Config{
		FilterConfig:     toFilterConfig(cfg),
		NormalizeOptions: urlnorm.Options{DropTrailingSlash: true},
		MaxDepth:         cfg.MaxDepth,
		Normalize:        cfg.NormalizeUrlsForDeduplication,
	})

	wc := &WebCrawler{
		cfg:       cfg,
		logger:    logger,
		frontier:  fr,
		limiter:   ratelimit.New(),
		robotsReg: robotsReg,
		pipeline:  defaultPipeline(cfg, logger),
		fetcher:   f,
		parser:    parser.New(cfg.LinkConfig, cfg.DataConfig),
		jar:       jar,
		sink:      sink,
	}

	wc.scheduler = scheduler.New(fr, scheduler.Config{
		MaxConcurrentWorkers:   cfg.MaxConcurrentWorkers,
		MaxConcurrentPerDomain: cfg.MaxConcurrentPerDomain,
		MaxPages:               cfg.MaxPages,
		MaxPagesPerDomain:      cfg.MaxPagesPerDomain,
		ShutdownGrace:          time.Duration(cfg.ShutdownGraceMs) * time.Millisecond,
		Logger:                 log.New(os.Stderr, "scheduler: ", log.LstdFlags),
	})

	return wc, nil
}

func redirectPolicy(follow bool) fetcher.RedirectPolicy {
	if follow {
		return fetcher.FollowRedirects
	}
	return fetcher.ManualRedirects
}

func toFilterConfig(cfg *Config) urlfilter.Config {
	return urlfilter.Config{
		AllowedDomains:           cfg.AllowedDomains,
		BlockedDomains:           cfg.BlockedDomains,
		CustomUrlFilters:         cfg.CustomUrlFilters,
		Archives:                 cfg.FileExtensionFilters.Archives,
		Images:                   cfg.FileExtensionFilters.Images,
		Audio:                    cfg.FileExtensionFilters.Audio,
		Video:                    cfg.FileExtensionFilters.Video,
		Office:                   cfg.FileExtensionFilters.Office,
		Other:                    cfg.FileExtensionFilters.Other,
		SkipFileExtensions:       cfg.SkipFileExtensions,
		FilterUnsupportedSchemes: cfg.TechnicalFilters.FilterUnsupportedSchemes,
		FilterMalformedUrls:      cfg.TechnicalFilters.FilterMalformedUrls,
		FilterLongUrls:           cfg.TechnicalFilters.FilterLongUrls,
		MaxUrlLength:             cfg.TechnicalFilters.MaxUrlLength,
	}
}

func defaultPipeline(cfg *Config, logger *log.Logger) *middleware.Pipeline {
	return middleware.New(
		middleware.UserAgentMiddleware{UserAgent: cfg.UserAgent},
		middleware.LoggingMiddleware{Logger: logger},
	)
}

// Crawl seeds the Frontier with seedURLs at depth 0 and runs the Scheduler
// to completion (every domain reaching Done) or until ctx is cancelled.
func (w *WebCrawler) Crawl(ctx context.Context, seedURLs ...string) (scheduler.Report, error) {
	domains := make([]string, 0, len(seedURLs))
	for _, seed := range seedURLs {
		domain := domainOf(seed)
		if domain == "" {
			continue
		}
		if w.frontier.Offer(domain, frontier.Task{URL: seed}) {
			domains = append(domains, domain)
			if w.session != nil {
				_ = w.session.RecordDelta(ctx, resumability.StateDelta{
					Kind: resumability.DeltaEnqueue, URL: seed, Domain: domain,
				})
			}
		}
	}

	wk := &worker{
		cfg:       w.cfg,
		limiter:   w.limiter,
		robotsReg: w.robotsReg,
		pipeline:  w.pipeline,
		fetcher:   w.fetcher,
		parser:    w.parser,
		frontier:  w.frontier,
		sink:      w.sink,
		session:   w.session,
	}

	report := w.scheduler.Run(ctx, domains, wk.run)

	if w.session != nil {
		if err := w.session.Checkpoint(ctx, w.snapshotState(report)); err != nil {
			return report, &PersistenceError{Op: "final-checkpoint", Err: err}
		}
	}
	return report, nil
}

// Close releases the crawler's resumability session, if any, deleting its
// persisted state on the understanding that a completed crawl has no
// further resume value.
func (w *WebCrawler) Close(ctx context.Context) error {
	if w.session == nil {
		return nil
	}
	return w.session.Close(ctx)
}

func (w *WebCrawler) snapshotState(report scheduler.Report) resumability.State {
	frontierSnap := make(map[string][]string)
	for domain := range report.Domains {
		var urls []string
		for {
			t, ok := w.frontier.Take(domain)
			if !ok {
				break
			}
			urls = append(urls, t.URL)
		}
		if len(urls) > 0 {
			frontierSnap[domain] = urls
		}
	}
	return resumability.State{
		MaxPages:  w.cfg.MaxPages,
		MaxDepth:  w.cfg.MaxDepth,
		PagesDone: int(report.PagesEmitted),
		Frontier:  frontierSnap,
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
