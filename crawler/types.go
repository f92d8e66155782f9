// Package crawler implements a polite, resumable, multi-domain web
// crawler: a per-domain scheduler and worker pool sit on top of a
// dedicating Frontier, a robots-aware Rate Limiter, a middleware pipeline
// and a pluggable Fetcher/Parser pair, with optional incremental
// persistence for resuming an interrupted run.
package crawler

import (
	"encoding/json"
	"net/url"
	"time"
)

// CrawlTask is a unit of work handed to exactly one Worker: a normalized
// URL that has already passed the URL Filter and the Frontier's dedup
// check.
type CrawlTask struct {
	// URL is the normalized, absolute URL to fetch.
	URL string
	// Depth is 0 for seeds, parent depth + 1 otherwise.
	Depth int
	// ParentURL is the URL of the page that discovered this task, empty
	// for seeds.
	ParentURL string
	// Metadata is opaque caller-supplied data threaded through from the
	// seed or from the discovering page.
	Metadata map[string]string
}

// Origin returns the scheme://host[:port] this task's URL belongs to, used
// for domain-scoped routing (Frontier, Rate Limiter, Robots Registry).
func (t CrawlTask) Origin() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Domain returns the hostname this task's URL belongs to.
func (t CrawlTask) Domain() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ExtractedData is a labeled mapping produced by optional CSS-selector
// driven data extraction, keyed by the selector's configured name.
type ExtractedData map[string]any

// PageData is the final, immutable result of fetching and parsing a single
// page.
type PageData struct {
	// FinalURL is the URL after following any redirects.
	FinalURL string
	// StatusCode is the HTTP response status, or 0 if the fetch never
	// completed (e.g. network/timeout failure).
	StatusCode int
	// Headers is the response header set, flattened to one value per key
	// (the first value seen).
	Headers map[string]string
	// Title is the page's <title> text, empty if absent or unparsed.
	Title string
	// FetchedAt is when the fetch completed.
	FetchedAt time.Time
	// ScrapeDuration is the wall-clock time spent fetching and parsing.
	ScrapeDuration time.Duration
	// Text is the extracted body text, empty for non-HTML or failed
	// parses.
	Text string
	// Meta holds derived metadata: standard meta tags plus OpenGraph and
	// Twitter card properties, and the canonical link if present under
	// the key "canonical".
	Meta map[string]string
	// ExtractedData holds the result of optional selector-driven data
	// extraction, nil if none was configured.
	ExtractedData ExtractedData
	// Links is the set of absolute URLs discovered on the page, grouped
	// by the link config's tag order (every <a> before every <link> by
	// default) and in document order within each tag.
	Links []string
	// Error, when non-nil, records why the page could not be fully
	// processed; StatusCode and whatever partial data was recovered are
	// still populated.
	Error error
}

// pageDataWire is PageData's JSON wire shape: Error is flattened to its
// message string, since the error interface itself carries no exported
// fields for encoding/json to walk.
type pageDataWire struct {
	FinalURL       string            `json:"final_url"`
	StatusCode     int               `json:"status_code"`
	Headers        map[string]string `json:"headers,omitempty"`
	Title          string            `json:"title,omitempty"`
	FetchedAt      time.Time         `json:"fetched_at"`
	ScrapeDuration time.Duration     `json:"scrape_duration_ns"`
	Text           string            `json:"text,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	ExtractedData  ExtractedData     `json:"extracted_data,omitempty"`
	Links          []string          `json:"links,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler, flattening Error to its message
// string so PageData survives a round trip through a JSON transport (e.g.
// messaging.Sink) without losing the failure reason.
func (p PageData) MarshalJSON() ([]byte, error) {
	w := pageDataWire{
		FinalURL:       p.FinalURL,
		StatusCode:     p.StatusCode,
		Headers:        p.Headers,
		Title:          p.Title,
		FetchedAt:      p.FetchedAt,
		ScrapeDuration: p.ScrapeDuration,
		Text:           p.Text,
		Meta:           p.Meta,
		ExtractedData:  p.ExtractedData,
		Links:          p.Links,
	}
	if p.Error != nil {
		w.Error = p.Error.Error()
	}
	return json.Marshal(w)
}

// CrawlResult is what the Sink receives for every processed task.
type CrawlResult struct {
	PageData  PageData
	Depth     int
	ParentURL string
}

// Sink is the consumer-supplied callback that receives ordered per-page
// results. It must not block for long: back-pressure is the Sink's
// responsibility, and the Worker awaits it before continuing to the next
// task for that domain.
type Sink interface {
	Accept(CrawlResult) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(CrawlResult) error

// Accept implements Sink.
func (f SinkFunc) Accept(r CrawlResult) error { return f(r) }

// DomainStatus is the Scheduler's state machine position for one domain.
type DomainStatus int

const (
	// DomainIdle means no task has been offered yet for this domain.
	DomainIdle DomainStatus = iota
	// DomainRunning means at least one worker is active or tasks are
	// queued for this domain.
	DomainRunning
	// DomainDraining means the queue appears empty and workers appear
	// idle, but quiescence has not yet been confirmed across the
	// required number of stable snapshots.
	DomainDraining
	// DomainDone means quiescence was confirmed, or a fatal error budget
	// was exceeded, or the per-domain page quota was reached and all
	// in-flight work has unwound.
	DomainDone
)

func (s DomainStatus) String() string {
	switch s {
	case DomainIdle:
		return "idle"
	case DomainRunning:
		return "running"
	case DomainDraining:
		return "draining"
	case DomainDone:
		return "done"
	default:
		return "unknown"
	}
}

// DomainState is the per-domain slice of the global crawl state: queue
// size, active worker count, pages emitted and status are all that the
// Scheduler needs to make admission and quiescence decisions; the actual
// FIFO queue and seen-set live in the Frontier.
type DomainState struct {
	Domain        string
	QueueSize     int
	ActiveWorkers int
	PagesEmitted  int
	Status        DomainStatus
}

// GlobalState is a snapshot of the entire crawl, used both for observers
// and as the payload persisted by the Resumability subsystem.
type GlobalState struct {
	Domains       map[string]DomainState
	TotalPages    int
	TotalErrors   int
	StartedAt     time.Time
	SessionID     string
	ConfigVersion string
}
