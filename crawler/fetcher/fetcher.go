// Package fetcher implements the HTTP side of a fetch: a single-call
// Fetch with configurable method, header precedence, body content-type
// autodetection, cookie attach/capture, redirect policy and retries.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// RedirectPolicy controls whether the underlying client follows redirects.
type RedirectPolicy int

const (
	// FollowRedirects follows up to 10 redirects, net/http's default.
	FollowRedirects RedirectPolicy = iota
	// ManualRedirects returns the first redirect response as-is.
	ManualRedirects
)

// RetryLogFunc is called once per retry attempt, after the failed attempt
// and before the backoff sleep.
type RetryLogFunc func(attempt int, url string, err error)

// Options configures a Fetcher.
type Options struct {
	UserAgent      string
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
	Redirects      RedirectPolicy
	CookieJar      http.CookieJar
	OnRetry        RetryLogFunc
	// InsecureSkipVerify disables TLS certificate verification; exposed
	// for crawling self-signed staging environments.
	InsecureSkipVerify bool
}

// Request is a single HTTP call to make.
type Request struct {
	Method  string
	URL     string
	Headers http.Header // caller-supplied, highest precedence
	Body    []byte      // raw body; Content-Type is autodetected if absent
}

// Response is the outcome of a successful Fetch.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Elapsed    time.Duration
}

// Fetcher performs a single HTTP request/response cycle with retries.
type Fetcher struct {
	opts   Options
	client *http.Client
}

// New creates a Fetcher. Header precedence is caller > middleware >
// defaults.
func New(opts Options) *Fetcher {
	delay := rehttp.ExpJitterDelay(opts.RetryDelay, 10*time.Second)
	transport := rehttp.NewTransport(
		&http.Transport{},
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(opts.Retries),
			rehttp.RetryIsErr(isRetryableErr),
		),
		loggingDelay(opts.OnRetry, delay),
	)

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		Jar:       opts.CookieJar,
	}
	if opts.Redirects == ManualRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Fetcher{opts: opts, client: client}
}

// isRetryableErr implements the retry policy: only network errors and
// timeouts are retried, never an HTTP status (rehttp's RetryFn only sees
// attempt.Error for transport-level failures, so a 5xx response never
// reaches this predicate at all).
func isRetryableErr(err error) bool {
	return err != nil
}

// loggingDelay wraps a rehttp.DelayFn to additionally invoke onRetry once
// per retried attempt, since rehttp has no dedicated retry-log hook.
func loggingDelay(onRetry RetryLogFunc, next rehttp.DelayFn) rehttp.DelayFn {
	return func(attempt rehttp.Attempt) time.Duration {
		if onRetry != nil {
			onRetry(attempt.Index, attempt.Request.URL.String(), attempt.Error)
		}
		return next(attempt)
	}
}

func asURLError(err error, target **url.Error) bool {
	for err != nil {
		if ue, ok := err.(*url.Error); ok {
			*target = ue
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fetch performs a single HTTP call, merging headers (caller > middleware
// defaults already merged into req.Headers by the caller > Fetcher
// defaults), autodetecting the request Content-Type when a body is present
// and none was set, and returning the response body fully read into
// memory.
func (f *Fetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if len(r.Body) > 0 {
		bodyReader = bytes.NewReader(r.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", r.URL, err)
	}

	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	for k, vs := range r.Headers {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(r.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", detectContentType(r.Body))
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyErr(r.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", r.URL, err)
	}

	finalURL := r.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		FinalURL:   finalURL,
		Elapsed:    elapsed,
	}, nil
}

// detectContentType autodetects the request body's content type: JSON if
// the body parses as JSON, else form-urlencoded.
func detectContentType(body []byte) string {
	var v any
	if json.Unmarshal(body, &v) == nil {
		return "application/json"
	}
	return "application/x-www-form-urlencoded"
}

func classifyErr(targetURL string, err error) error {
	var uerr *url.Error
	if asURLError(err, &uerr) && uerr.Timeout() {
		return &timeoutError{url: targetURL, err: err}
	}
	return &networkError{url: targetURL, err: err}
}

type networkError struct {
	url string
	err error
}

func (e *networkError) Error() string { return fmt.Sprintf("network error fetching %s: %v", e.url, e.err) }
func (e *networkError) Unwrap() error { return e.err }

type timeoutError struct {
	url string
	err error
}

func (e *timeoutError) Error() string { return fmt.Sprintf("timeout fetching %s: %v", e.url, e.err) }
func (e *timeoutError) Unwrap() error { return e.err }

// IsTimeout reports whether err is (or wraps) a fetch timeout.
func IsTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// IsNetwork reports whether err is (or wraps) a fetch network failure.
func IsNetwork(err error) bool {
	var ne *networkError
	return errors.As(err, &ne)
}
