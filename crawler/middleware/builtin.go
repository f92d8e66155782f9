package middleware

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/codepr/crawlkit/crawler/ratelimit"
	"github.com/dustin/go-humanize"
)

// UserAgentMiddleware injects a fixed User-Agent header into every
// request, unless one is already set.
type UserAgentMiddleware struct {
	NoOp
	UserAgent string
}

// ProcessRequest sets the User-Agent header when absent.
func (m UserAgentMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	if req.Headers == nil {
		req.Headers = make(map[string][]string)
	}
	if req.Headers.Get("User-Agent") == "" {
		req.Headers.Set("User-Agent", m.UserAgent)
	}
	return req, true
}

// LoggingMiddleware emits a log line for every request and response.
type LoggingMiddleware struct {
	NoOp
	Logger *log.Logger
}

// ProcessRequest logs the outgoing request.
func (m LoggingMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	m.Logger.Printf("-> %s (depth %d)", req.URL, req.Depth)
	return req, true
}

// ProcessResponse logs the response status and size.
func (m LoggingMiddleware) ProcessResponse(resp *Response, req *Request) (*Response, bool) {
	m.Logger.Printf("<- %s status=%d size=%s", req.URL, resp.StatusCode, humanize.Bytes(uint64(len(resp.Body))))
	return resp, true
}

// ProcessException logs the failure and propagates it (never recovers).
func (m LoggingMiddleware) ProcessException(err error, req *Request) *Response {
	m.Logger.Printf("xx %s: %v", req.URL, err)
	return nil
}

// RateLimitMiddleware blocks the request until the origin's rate limiter
// grants a token, enforcing the Acquire contract as a pipeline stage (in
// addition to the Worker calling Acquire directly before building the
// request — this variant exists so custom pipelines can reorder or omit
// it).
type RateLimitMiddleware struct {
	NoOp
	Limiter *ratelimit.Limiter
	Origin  func(url string) string
}

// ProcessRequest blocks until a token is available for the request's
// origin. The Middleware interface carries no context, so the wait uses
// context.Background() and cannot be cancelled. If Acquire fails, the
// error text is stored in req.Metadata["_ratelimit_cancelled"] and the
// request is dropped by returning ok=false (with no synthesized response).
func (m RateLimitMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	origin := m.Origin(req.URL)
	if err := m.Limiter.Acquire(context.Background(), origin); err != nil {
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["_ratelimit_cancelled"] = err.Error()
		return req, false
	}
	return req, true
}

// Stats accumulates pipeline-wide counters, safe for concurrent use.
type Stats struct {
	Requests  int64
	Responses int64
	Errors    int64
	BytesIn   int64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Requests:  atomic.LoadInt64(&s.Requests),
		Responses: atomic.LoadInt64(&s.Responses),
		Errors:    atomic.LoadInt64(&s.Errors),
		BytesIn:   atomic.LoadInt64(&s.BytesIn),
	}
}

// StatsMiddleware records request/response/error counts and total bytes
// fetched into a shared Stats.
type StatsMiddleware struct {
	NoOp
	Stats *Stats
}

// ProcessRequest increments the request counter.
func (m StatsMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	atomic.AddInt64(&m.Stats.Requests, 1)
	return req, true
}

// ProcessResponse increments the response counter and byte total.
func (m StatsMiddleware) ProcessResponse(resp *Response, _ *Request) (*Response, bool) {
	atomic.AddInt64(&m.Stats.Responses, 1)
	atomic.AddInt64(&m.Stats.BytesIn, int64(len(resp.Body)))
	return resp, true
}

// ProcessException increments the error counter and propagates.
func (m StatsMiddleware) ProcessException(error, *Request) *Response {
	atomic.AddInt64(&m.Stats.Errors, 1)
	return nil
}
