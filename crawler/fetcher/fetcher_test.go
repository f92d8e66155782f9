package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchGET(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	f := New(Options{UserAgent: "test-agent", Timeout: 5 * time.Second, Retries: 0, RetryDelay: 10 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFetchHeaderPrecedence(t *testing.T) {
	var seenUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	f := New(Options{UserAgent: "default-agent", Timeout: 5 * time.Second, RetryDelay: 10 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{
		URL:     server.URL,
		Headers: http.Header{"User-Agent": []string{"caller-agent"}},
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if seenUA != "caller-agent" {
		t.Fatalf("expected caller header to win, got %q", seenUA)
	}
}

func TestFetchBodyContentTypeAutodetectJSON(t *testing.T) {
	var seenCT string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCT = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, RetryDelay: 10 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if seenCT != "application/json" {
		t.Fatalf("expected application/json, got %q", seenCT)
	}
}

func TestFetchBodyContentTypeAutodetectForm(t *testing.T) {
	var seenCT string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCT = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, RetryDelay: 10 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   []byte(`a=1&b=2`),
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if seenCT != "application/x-www-form-urlencoded" {
		t.Fatalf("expected form-urlencoded, got %q", seenCT)
	}
}

func TestFetchRetriesOnNetworkError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			// Simulate a connection reset: hijack and close without
			// writing a response, a client-visible network error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("ResponseWriter does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, Retries: 3, RetryDelay: 5 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d after %d attempts", resp.StatusCode, attempts)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestFetchNeverRetriesServerError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, Retries: 3, RetryDelay: 5 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != 500 {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("only network/timeout errors should retry, not 5xx: expected 1 attempt, got %d", attempts)
	}
}

func TestFetchNeverRetries4xx(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, Retries: 3, RetryDelay: 5 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx, got %d", attempts)
	}
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 20 * time.Millisecond, Retries: 0, RetryDelay: 5 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{URL: server.URL})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected IsTimeout(err) to be true, got %v", err)
	}
}

func TestFetchManualRedirectPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := New(Options{UserAgent: "ua", Timeout: 5 * time.Second, RetryDelay: 5 * time.Millisecond, Redirects: ManualRedirects})
	resp, err := f.Fetch(context.Background(), Request{URL: server.URL + "/start"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected manual redirect to surface 302, got %d", resp.StatusCode)
	}
}
