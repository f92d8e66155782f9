package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codepr/crawlkit/crawler/fetcher"
	"github.com/codepr/crawlkit/crawler/frontier"
	"github.com/codepr/crawlkit/crawler/middleware"
	"github.com/codepr/crawlkit/crawler/parser"
	"github.com/codepr/crawlkit/crawler/ratelimit"
	"github.com/codepr/crawlkit/crawler/resumability"
	"github.com/codepr/crawlkit/crawler/robots"
)

// worker executes the single-task lifecycle: rate-limit acquire,
// middleware request pass, fetch, middleware response pass, exception
// recovery, parse/extract, re-offer of discovered links, and result
// emission.
type worker struct {
	cfg       *Config
	limiter   *ratelimit.Limiter
	robotsReg *robots.Registry
	pipeline  *middleware.Pipeline
	fetcher   *fetcher.Fetcher
	parser    *parser.Parser
	frontier  *frontier.Frontier
	sink      Sink
	session   *resumability.Session // nil when resumability is disabled

	configuredOrigins sync.Map // origin (string) -> struct{}, guards Limiter.Configure calls
}

// ensureConfigured applies the crawl's requests-per-second ceiling to
// origin the first time it is seen, so links discovered mid-crawl on a
// previously-unvisited origin are rate-limited from their first fetch.
func (w *worker) ensureConfigured(origin string) {
	if _, loaded := w.configuredOrigins.LoadOrStore(origin, struct{}{}); !loaded {
		w.limiter.Configure(origin, w.cfg.MaxRequestsPerSecondPerDomain, 0)
	}
}

// run executes one task to completion, implementing the Scheduler's
// TaskHandler contract. It never returns an error for a page that was
// merely inaccessible (4xx, parse failure) — those are reported to the
// Sink as a CrawlResult carrying PageData.Error; the error return is
// reserved for failures that should count against the Scheduler's failure
// budget (here: any non-recoverable failure, since this crawler has no
// separate fatal-error budget beyond what the caller observes via the
// Sink).
func (w *worker) run(ctx context.Context, domain string, task frontier.Task) error {
	start := time.Now()

	origin := originOf(task.URL)
	w.ensureConfigured(origin)
	if err := w.limiter.Acquire(ctx, origin); err != nil {
		return fmt.Errorf("acquiring rate limit for %s: %w", task.URL, err)
	}

	if !w.cfg.IgnoreRobotsTxt {
		u, perr := url.Parse(task.URL)
		if perr == nil {
			check, _ := w.robotsReg.Check(ctx, origin, u.Path, w.cfg.UserAgent)
			if !check.Allowed {
				return w.emit(ctx, task, PageData{
					FinalURL:       task.URL,
					FetchedAt:      start,
					ScrapeDuration: time.Since(start),
					Error:          &ResponseError{URL: task.URL, StatusCode: 0, Reason: "disallowed by robots.txt"},
				})
			}
			if check.CrawlDelay > 0 {
				w.limiter.SetCrawlDelay(origin, check.CrawlDelay)
			}
		}
	}

	req := &middleware.Request{
		URL:      task.URL,
		Depth:    task.Depth,
		Headers:  http.Header{},
		Metadata: task.Metadata,
	}

	mReq, ok := w.pipeline.RunRequest(req)
	if !ok {
		return w.emit(ctx, task, PageData{
			FinalURL:       task.URL,
			FetchedAt:      start,
			ScrapeDuration: time.Since(start),
			Error:          &ResponseError{URL: task.URL, Reason: "request dropped by middleware"},
		})
	}

	page, err := w.fetchAndProcess(ctx, task, mReq, start)
	if err != nil {
		resp := w.pipeline.RunException(err, mReq)
		if resp == nil {
			page.Error = err
			return w.emit(ctx, task, page)
		}
		page = w.pageFromMiddlewareResponse(resp, task, start)
	}

	return w.emit(ctx, task, page)
}

// fetchAndProcess runs the fetch, response middleware, parse, and
// link/data extraction steps of a task's lifecycle.
func (w *worker) fetchAndProcess(ctx context.Context, task frontier.Task, mReq *middleware.Request, start time.Time) (PageData, error) {
	fReq := fetcher.Request{
		Method:  http.MethodGet,
		URL:     mReq.URL,
		Headers: mReq.Headers,
	}

	fResp, err := w.fetcher.Fetch(ctx, fReq)
	if err != nil {
		bare := PageData{FinalURL: mReq.URL, FetchedAt: start, ScrapeDuration: time.Since(start)}
		if fetcher.IsTimeout(err) {
			return bare, &TimeoutError{URL: task.URL, Err: err}
		}
		return bare, &NetworkError{URL: task.URL, Err: err}
	}

	mResp := &middleware.Response{
		StatusCode: fResp.StatusCode,
		Headers:    fResp.Headers,
		Body:       fResp.Body,
		FinalURL:   fResp.FinalURL,
	}
	mResp, ok := w.pipeline.RunResponse(mResp, mReq)
	if !ok {
		return PageData{
			FinalURL:       fResp.FinalURL,
			StatusCode:     fResp.StatusCode,
			Headers:        flattenHeader(fResp.Headers),
			FetchedAt:      start,
			ScrapeDuration: time.Since(start),
		}, &ResponseError{URL: task.URL, StatusCode: fResp.StatusCode, Reason: "response dropped by middleware"}
	}

	if mResp.StatusCode >= 400 {
		return PageData{
			FinalURL:       mResp.FinalURL,
			StatusCode:     mResp.StatusCode,
			Headers:        flattenHeader(mResp.Headers),
			FetchedAt:      start,
			ScrapeDuration: time.Since(start),
		}, &ResponseError{URL: task.URL, StatusCode: mResp.StatusCode, Reason: "non-2xx/3xx status"}
	}

	page := PageData{
		FinalURL:       mResp.FinalURL,
		StatusCode:     mResp.StatusCode,
		Headers:        flattenHeader(mResp.Headers),
		FetchedAt:      start,
		ScrapeDuration: time.Since(start),
	}

	if isHTML(mResp.Headers) {
		result, perr := w.parser.Parse(mResp.FinalURL, bytes.NewReader(mResp.Body))
		if perr != nil {
			page.Error = &ParseError{URL: task.URL, Err: perr}
			return page, nil
		}
		page.Title = result.Title
		page.Text = result.Text
		page.Meta = flattenMeta(result.Meta)
		if result.Canonical != "" {
			page.Meta["canonical"] = result.Canonical
		}
		if len(result.Data) > 0 {
			page.ExtractedData = make(ExtractedData, len(result.Data))
			for k, v := range result.Data {
				page.ExtractedData[k] = v
			}
		}
		page.Links = make([]string, 0, len(result.Links))
		for _, l := range result.Links {
			page.Links = append(page.Links, l.String())
			w.offerDiscovered(task, l.String())
		}
	}

	return page, nil
}

// offerDiscovered resolves a link (already absolute by the time it
// reaches here) and offers it to the Frontier at depth+1.
func (w *worker) offerDiscovered(task frontier.Task, link string) {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return
	}
	domain := u.Hostname()
	discovered := frontier.Task{
		URL:       link,
		Depth:     task.Depth + 1,
		ParentURL: task.URL,
		Metadata:  task.Metadata,
	}
	if w.frontier.Offer(domain, discovered) && w.session != nil {
		_ = w.session.RecordDelta(context.Background(), resumability.StateDelta{
			Kind:   resumability.DeltaEnqueue,
			URL:    link,
			Depth:  discovered.Depth,
			Domain: domain,
		})
	}
}

// emit sends the CrawlResult to the Sink and records a page-complete (or
// page-failed) delta.
func (w *worker) emit(ctx context.Context, task frontier.Task, page PageData) error {
	result := CrawlResult{PageData: page, Depth: task.Depth, ParentURL: task.ParentURL}
	if err := w.sink.Accept(result); err != nil {
		return fmt.Errorf("sink rejected result for %s: %w", task.URL, err)
	}
	if w.session != nil {
		kind := resumability.DeltaPageComplete
		payload := map[string]string{}
		if page.Error != nil {
			kind = resumability.DeltaPageFailed
			payload["error"] = page.Error.Error()
		}
		_ = w.session.RecordDelta(ctx, resumability.StateDelta{
			Kind:    kind,
			URL:     task.URL,
			Depth:   task.Depth,
			Payload: payload,
		})
	}
	return nil
}

func (w *worker) pageFromMiddlewareResponse(resp *middleware.Response, task frontier.Task, start time.Time) PageData {
	return PageData{
		FinalURL:       resp.FinalURL,
		StatusCode:     resp.StatusCode,
		Headers:        flattenHeader(resp.Headers),
		FetchedAt:      start,
		ScrapeDuration: time.Since(start),
	}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func flattenMeta(m parser.Meta) map[string]string {
	out := make(map[string]string, len(m.Plain)+len(m.OpenGraph)+len(m.Twitter))
	for k, v := range m.Plain {
		out[k] = v
	}
	for k, v := range m.OpenGraph {
		out["og:"+k] = v
	}
	for k, v := range m.Twitter {
		out["twitter:"+k] = v
	}
	return out
}

func isHTML(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return true // best-effort: tolerant parser handles non-HTML gracefully enough to try
	}
	return strings.Contains(ct, "html")
}
