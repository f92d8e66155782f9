package urlfilter

import (
	"regexp"
	"testing"
)

func TestFilterMalformed(t *testing.T) {
	cfg := Config{FilterMalformedUrls: true}
	res := Filter("javascript:void(0)", cfg)
	if res.Follow {
		t.Fatalf("expected reject, got follow")
	}
}

func TestFilterUnsupportedScheme(t *testing.T) {
	cfg := Config{FilterUnsupportedSchemes: true}
	res := Filter("mailto:foo@example.com", cfg)
	if res.Follow {
		t.Fatalf("expected reject for mailto, got follow")
	}
	res = Filter("https://example.com/page", cfg)
	if !res.Follow {
		t.Fatalf("expected follow for https, got reject: %s", res.Reason)
	}
}

func TestFilterLongUrl(t *testing.T) {
	cfg := Config{FilterLongUrls: true, MaxUrlLength: 20}
	res := Filter("https://example.com/this/is/a/very/long/path", cfg)
	if res.Follow {
		t.Fatalf("expected reject for long url")
	}
}

func TestFilterAllowedDomains(t *testing.T) {
	cfg := Config{AllowedDomains: []string{"example.com"}}
	if !Filter("https://sub.example.com/page", cfg).Follow {
		t.Fatalf("expected subdomain to be allowed")
	}
	if Filter("https://other.com/page", cfg).Follow {
		t.Fatalf("expected non-matching domain to be rejected")
	}
}

func TestFilterBlockedDomains(t *testing.T) {
	cfg := Config{BlockedDomains: []string{"bad.com"}}
	if Filter("https://bad.com/page", cfg).Follow {
		t.Fatalf("expected blocked domain to be rejected")
	}
	if !Filter("https://good.com/page", cfg).Follow {
		t.Fatalf("expected non-blocked domain to be allowed")
	}
}

func TestFilterExtensionCategories(t *testing.T) {
	cfg := Config{Images: true}
	if Filter("https://example.com/a.png", cfg).Follow {
		t.Fatalf("expected image extension to be rejected")
	}
	if !Filter("https://example.com/a.html", cfg).Follow {
		t.Fatalf("expected html page to be allowed")
	}
}

func TestFilterSkipFileExtensions(t *testing.T) {
	cfg := Config{SkipFileExtensions: []string{"xyz"}}
	if Filter("https://example.com/a.xyz", cfg).Follow {
		t.Fatalf("expected legacy skip extension to be rejected")
	}
}

func TestFilterCustomRegex(t *testing.T) {
	cfg := Config{CustomUrlFilters: []*regexp.Regexp{regexp.MustCompile(`/admin/`)}}
	if Filter("https://example.com/admin/secret", cfg).Follow {
		t.Fatalf("expected regex match to be rejected")
	}
	if !Filter("https://example.com/public", cfg).Follow {
		t.Fatalf("expected non-matching url to be allowed")
	}
}

func TestFilterOrderShortCircuitsOnFirstReject(t *testing.T) {
	// Malformed check happens before scheme check; javascript: URLs with
	// no host are both "malformed" under net/url semantics for this
	// filter's purposes (empty host) and unsupported scheme.
	cfg := Config{FilterMalformedUrls: true, FilterUnsupportedSchemes: true}
	res := Filter("javascript:alert(1)", cfg)
	if res.Follow || res.Reason != "malformed" {
		t.Fatalf("expected malformed short-circuit, got %+v", res)
	}
}
