package urlnorm

import "testing"

func TestNormalizeLowercasesHost(t *testing.T) {
	got := Normalize("http://Example.COM/path", Options{})
	want := "http://example.com/path"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeStripsDefaultPort(t *testing.T) {
	if got := Normalize("http://example.com:80/path", Options{}); got != "http://example.com/path" {
		t.Fatalf("got %q", got)
	}
	if got := Normalize("https://example.com:443/path", Options{}); got != "https://example.com/path" {
		t.Fatalf("got %q", got)
	}
	if got := Normalize("http://example.com:8080/path", Options{}); got != "http://example.com:8080/path" {
		t.Fatalf("non-default port should be kept, got %q", got)
	}
}

func TestNormalizeDropsFragment(t *testing.T) {
	got := Normalize("http://example.com/path#section", Options{})
	if got != "http://example.com/path" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeSortsQuery(t *testing.T) {
	a := Normalize("http://h/?b=2&a=1", Options{})
	b := Normalize("http://h/?a=1&b=2", Options{})
	if a != b {
		t.Fatalf("expected equal normalization, got %q vs %q", a, b)
	}
}

func TestNormalizeDropTrailingSlash(t *testing.T) {
	got := Normalize("http://example.com/path/", Options{DropTrailingSlash: true})
	if got != "http://example.com/path" {
		t.Fatalf("got %q", got)
	}
	// root path is preserved
	got = Normalize("http://example.com/", Options{DropTrailingSlash: true})
	if got != "http://example.com/" {
		t.Fatalf("root slash should be kept, got %q", got)
	}
}

func TestNormalizeInvalidURLReturnedUnchanged(t *testing.T) {
	raw := "://not-a-url"
	if got := Normalize(raw, Options{}); got != raw {
		t.Fatalf("expected unchanged, got %q", got)
	}
}
