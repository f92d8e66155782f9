package crawler

import (
	"regexp"
	"time"

	"github.com/codepr/crawlkit/crawler/env"
	"github.com/codepr/crawlkit/crawler/parser"
)

const (
	defaultMaxPages                  = 0 // 0 means unbounded
	defaultMaxDepth                  = 16
	defaultRequestDelayMs            = 0
	defaultMaxRPSPerDomain           = 1.0
	defaultMaxConcurrentWorkers      = 8
	defaultMaxConcurrentPerDomain    = 1
	defaultUserAgent                 = "Mozilla/5.0 (compatible; crawlkit/1.0; +https://github.com/codepr/crawlkit)"
	defaultMaxRobotsCrawlDelayMs     = 30_000
	defaultTimeoutMs                 = 30_000
	defaultShutdownGraceMs           = 10_000
	defaultRetries                   = 3
	defaultRetryDelayMs              = 200
	defaultMaxUrlLength              = 2048
	defaultRobotsTTL                 = time.Hour
	defaultSnapshotEveryEvents       = 100
	defaultSnapshotEverySeconds      = 30
)

// FileExtensionFilters toggles canonical extension-category filtering (§4.1
// step 6). Each category maps to a fixed, built-in extension set.
type FileExtensionFilters struct {
	Archives bool
	Images   bool
	Audio    bool
	Video    bool
	Office   bool
	Other    bool
}

// TechnicalFilters groups the low-level, format-related URL Filter checks.
type TechnicalFilters struct {
	FilterUnsupportedSchemes bool
	FilterMalformedUrls      bool
	FilterLongUrls           bool
	MaxUrlLength             int
}

// PersistenceStrategy selects how Resumability persists crawl progress.
type PersistenceStrategy int

const (
	// StrategyFullState writes a complete snapshot on each checkpoint.
	StrategyFullState PersistenceStrategy = iota
	// StrategyDelta records every mutating event as a StateDelta.
	StrategyDelta
	// StrategyHybrid records a delta for every event; WebCrawler writes a
	// snapshot, compacting older deltas, only once, when Crawl finishes.
	// Default.
	StrategyHybrid
)

// ResumabilityConfig configures the persistence subsystem.
type ResumabilityConfig struct {
	Enabled             bool
	Strategy            PersistenceStrategy
	SnapshotEveryEvents int
	SnapshotEvery       time.Duration
}

// Config holds every recognized crawl option, generalized to the full
// multi-domain scheduler.
type Config struct {
	MaxPages                      int
	MaxPagesPerDomain             int
	MaxDepth                      int
	RequestDelayMs                int
	MaxRequestsPerSecondPerDomain float64
	MaxConcurrentWorkers          int
	MaxConcurrentPerDomain        int
	UserAgent                     string
	IgnoreRobotsTxt               bool
	MaxRobotsCrawlDelayMs         int
	FollowRedirects               bool
	NormalizeUrlsForDeduplication bool
	AllowedDomains                []string
	BlockedDomains                []string
	CustomUrlFilters              []*regexp.Regexp
	FileExtensionFilters          FileExtensionFilters
	SkipFileExtensions            []string
	TechnicalFilters              TechnicalFilters
	TimeoutMs                     int
	ShutdownGraceMs               int
	Retries                       int
	RetryDelayMs                  int
	Resumability                  ResumabilityConfig
	// LinkConfig overrides link extraction (tags/attrs/RestrictCSS). The
	// zero value falls back to parser.DefaultLinkConfig.
	LinkConfig parser.LinkConfig
	// DataConfig enables optional CSS-selector-driven data extraction
	// (spec §4.9's "data extraction" surface). Empty means none.
	DataConfig []parser.DataConfig
}

// CrawlerOpt mutates a Config at construction time, the standard
// functional-options pattern.
type CrawlerOpt func(*Config)

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPages:                      defaultMaxPages,
		MaxDepth:                      defaultMaxDepth,
		RequestDelayMs:                defaultRequestDelayMs,
		MaxRequestsPerSecondPerDomain: defaultMaxRPSPerDomain,
		MaxConcurrentWorkers:          defaultMaxConcurrentWorkers,
		MaxConcurrentPerDomain:        defaultMaxConcurrentPerDomain,
		UserAgent:                     defaultUserAgent,
		MaxRobotsCrawlDelayMs:         defaultMaxRobotsCrawlDelayMs,
		FollowRedirects:               true,
		NormalizeUrlsForDeduplication: true,
		TechnicalFilters: TechnicalFilters{
			FilterUnsupportedSchemes: true,
			FilterMalformedUrls:      true,
			FilterLongUrls:           true,
			MaxUrlLength:             defaultMaxUrlLength,
		},
		TimeoutMs:       defaultTimeoutMs,
		ShutdownGraceMs: defaultShutdownGraceMs,
		Retries:         defaultRetries,
		RetryDelayMs:    defaultRetryDelayMs,
		Resumability: ResumabilityConfig{
			Strategy:            StrategyHybrid,
			SnapshotEveryEvents: defaultSnapshotEveryEvents,
			SnapshotEvery:       defaultSnapshotEverySeconds * time.Second,
		},
	}
}

// ConfigFromEnv reads a Config from environment variables, falling back
// to DefaultConfig for anything unset.
func ConfigFromEnv() *Config {
	c := DefaultConfig()
	c.MaxPages = env.GetEnvAsInt("CRAWLKIT_MAX_PAGES", c.MaxPages)
	c.MaxDepth = env.GetEnvAsInt("CRAWLKIT_MAX_DEPTH", c.MaxDepth)
	c.RequestDelayMs = env.GetEnvAsInt("CRAWLKIT_REQUEST_DELAY_MS", c.RequestDelayMs)
	c.MaxRequestsPerSecondPerDomain = env.GetEnvAsFloat("CRAWLKIT_MAX_RPS_PER_DOMAIN", c.MaxRequestsPerSecondPerDomain)
	c.MaxConcurrentWorkers = env.GetEnvAsInt("CRAWLKIT_MAX_CONCURRENT_WORKERS", c.MaxConcurrentWorkers)
	c.MaxConcurrentPerDomain = env.GetEnvAsInt("CRAWLKIT_MAX_CONCURRENT_PER_DOMAIN", c.MaxConcurrentPerDomain)
	c.UserAgent = env.GetEnv("CRAWLKIT_USER_AGENT", c.UserAgent)
	c.IgnoreRobotsTxt = env.GetEnvAsBool("CRAWLKIT_IGNORE_ROBOTS_TXT", c.IgnoreRobotsTxt)
	c.MaxRobotsCrawlDelayMs = env.GetEnvAsInt("CRAWLKIT_MAX_ROBOTS_CRAWL_DELAY_MS", c.MaxRobotsCrawlDelayMs)
	c.TimeoutMs = env.GetEnvAsInt("CRAWLKIT_TIMEOUT_MS", c.TimeoutMs)
	c.Retries = env.GetEnvAsInt("CRAWLKIT_RETRIES", c.Retries)
	return c
}

// Validate checks the Config for internal consistency, returning a
// *ConfigurationError for the first problem found. Configuration errors
// are fatal at startup: no fetch is ever attempted against an invalid
// Config.
func (c *Config) Validate() error {
	if c.MaxDepth < 0 {
		return &ConfigurationError{Field: "MaxDepth", Reason: "must be >= 0"}
	}
	if c.MaxConcurrentWorkers <= 0 {
		return &ConfigurationError{Field: "MaxConcurrentWorkers", Reason: "must be > 0"}
	}
	if c.MaxConcurrentPerDomain <= 0 {
		return &ConfigurationError{Field: "MaxConcurrentPerDomain", Reason: "must be > 0"}
	}
	if c.MaxConcurrentPerDomain > c.MaxConcurrentWorkers {
		return &ConfigurationError{Field: "MaxConcurrentPerDomain", Reason: "must be <= MaxConcurrentWorkers"}
	}
	if c.MaxRequestsPerSecondPerDomain <= 0 {
		return &ConfigurationError{Field: "MaxRequestsPerSecondPerDomain", Reason: "must be > 0"}
	}
	if c.UserAgent == "" {
		return &ConfigurationError{Field: "UserAgent", Reason: "must not be empty"}
	}
	if c.TechnicalFilters.FilterLongUrls && c.TechnicalFilters.MaxUrlLength <= 0 {
		return &ConfigurationError{Field: "TechnicalFilters.MaxUrlLength", Reason: "must be > 0 when FilterLongUrls is set"}
	}
	if err := validateDataConfig(c.DataConfig); err != nil {
		return err
	}
	return nil
}

// validateDataConfig pre-compiles every DataConfig selector (including
// nested Fields) via parser.CompileSelector, so a malformed CSS selector
// fails fast at configuration time rather than on the first matched page.
func validateDataConfig(entries []parser.DataConfig) error {
	for _, e := range entries {
		if err := parser.CompileSelector(e.Selector); err != nil {
			return &ConfigurationError{Field: "DataConfig[" + e.Label + "].Selector", Reason: err.Error()}
		}
		if err := validateDataConfig(e.Fields); err != nil {
			return err
		}
	}
	return nil
}

// Option constructors.

func WithMaxPages(n int) CrawlerOpt { return func(c *Config) { c.MaxPages = n } }
func WithMaxPagesPerDomain(n int) CrawlerOpt { return func(c *Config) { c.MaxPagesPerDomain = n } }
func WithMaxDepth(n int) CrawlerOpt { return func(c *Config) { c.MaxDepth = n } }
func WithUserAgent(ua string) CrawlerOpt { return func(c *Config) { c.UserAgent = ua } }
func WithMaxConcurrentWorkers(n int) CrawlerOpt {
	return func(c *Config) { c.MaxConcurrentWorkers = n }
}
func WithMaxConcurrentPerDomain(n int) CrawlerOpt {
	return func(c *Config) { c.MaxConcurrentPerDomain = n }
}
func WithMaxRequestsPerSecondPerDomain(rps float64) CrawlerOpt {
	return func(c *Config) { c.MaxRequestsPerSecondPerDomain = rps }
}
func WithIgnoreRobotsTxt(ignore bool) CrawlerOpt {
	return func(c *Config) { c.IgnoreRobotsTxt = ignore }
}
func WithAllowedDomains(domains ...string) CrawlerOpt {
	return func(c *Config) { c.AllowedDomains = domains }
}
func WithBlockedDomains(domains ...string) CrawlerOpt {
	return func(c *Config) { c.BlockedDomains = domains }
}
func WithResumability(rc ResumabilityConfig) CrawlerOpt {
	return func(c *Config) { c.Resumability = rc }
}
func WithTimeout(d time.Duration) CrawlerOpt {
	return func(c *Config) { c.TimeoutMs = int(d.Milliseconds()) }
}

// WithLinkConfig overrides link extraction's (tag, attr) pairs and
// RestrictCSS ancestor scoping. See parser.LinkConfig.
func WithLinkConfig(lc parser.LinkConfig) CrawlerOpt {
	return func(c *Config) { c.LinkConfig = lc }
}

// WithDataConfig enables CSS-selector-driven data extraction (spec
// §4.9's optional "data extraction" surface). See parser.DataConfig.
func WithDataConfig(entries ...parser.DataConfig) CrawlerOpt {
	return func(c *Config) { c.DataConfig = entries }
}
