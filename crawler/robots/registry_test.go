package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serverWithRobots(body string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
	return httptest.NewServer(mux)
}

func TestRegistryAllowsAndDisallows(t *testing.T) {
	server := serverWithRobots("User-agent: *\nDisallow: /private\nCrawl-delay: 2")
	defer server.Close()

	reg := New(server.Client(), 10*time.Second)
	ctx := context.Background()

	res, err := reg.Check(ctx, server.URL, "/public", "test-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected /public to be allowed")
	}

	res, err = reg.Check(ctx, server.URL, "/private/page", "test-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected /private/page to be disallowed")
	}
	if res.CrawlDelay != 2*time.Second {
		t.Fatalf("expected crawl delay 2s, got %v", res.CrawlDelay)
	}
}

func TestRegistryCapsCrawlDelay(t *testing.T) {
	server := serverWithRobots("User-agent: *\nCrawl-delay: 100")
	defer server.Close()

	reg := New(server.Client(), 5*time.Second)
	res, err := reg.Check(context.Background(), server.URL, "/", "test-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CrawlDelay != 5*time.Second {
		t.Fatalf("expected capped crawl delay 5s, got %v", res.CrawlDelay)
	}
}

func TestRegistryFailsOpenOn404(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux) // no /robots.txt handler -> 404
	defer server.Close()

	reg := New(server.Client(), time.Second)
	res, err := reg.Check(context.Background(), server.URL, "/anything", "test-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected fail-open allow on missing robots.txt")
	}
}

func TestRegistryFailsOpenOn5xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	reg := New(server.Client(), time.Second)
	res, err := reg.Check(context.Background(), server.URL, "/anything", "test-agent")
	if err == nil {
		t.Fatalf("expected an error surfaced from a 5xx robots.txt fetch")
	}
	if !res.Allowed {
		t.Fatalf("expected fail-open allow on 5xx robots.txt")
	}
}

func TestRegistryCachesAcrossCalls(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /x"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	reg := New(server.Client(), time.Second)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := reg.Check(ctx, server.URL, "/y", "ua"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if hits != 1 {
		t.Fatalf("expected exactly one fetch due to caching, got %d", hits)
	}
}
