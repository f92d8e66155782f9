// Package urlfilter implements the admit/reject decision for candidate
// URLs: a pure function of the URL string and a Config, with no I/O,
// evaluated in a fixed, short-circuiting order.
package urlfilter

import (
	"net/url"
	"regexp"
	"strings"
)

// Result is the outcome of filtering a single URL.
type Result struct {
	Follow bool
	Reason string
}

func allow() Result   { return Result{Follow: true} }
func reject(reason string) Result { return Result{Follow: false, Reason: reason} }

// Extension categories, canonical sets. Deliberately conservative: the
// categories only grow by adding entries below, never by inferring from
// MIME types.
var extensionCategories = map[string][]string{
	"archives": {".zip", ".tar", ".gz", ".tgz", ".bz2", ".7z", ".rar", ".xz"},
	"images":   {".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp", ".ico", ".tiff"},
	"audio":    {".mp3", ".wav", ".ogg", ".flac", ".aac", ".m4a"},
	"video":    {".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv", ".webm"},
	"office":   {".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp", ".pdf"},
	"other":    {".exe", ".dmg", ".iso", ".bin", ".dll", ".css", ".js"},
}

// Config is the subset of crawler.Config the URL Filter needs. It is
// duplicated here (rather than importing crawler) to keep urlfilter a pure,
// dependency-free leaf package; crawler.Config is converted to this shape
// by the orchestrator.
type Config struct {
	AllowedDomains           []string
	BlockedDomains           []string
	CustomUrlFilters         []*regexp.Regexp
	Archives, Images, Audio  bool
	Video, Office, Other     bool
	SkipFileExtensions       []string
	FilterUnsupportedSchemes bool
	FilterMalformedUrls      bool
	FilterLongUrls           bool
	MaxUrlLength             int
}

// Filter evaluates candidateURL against cfg, short-circuiting on the
// first rejecting check, in a fixed order: malformed/scheme, length,
// allow/block domain lists, extension category, then custom regexes.
func Filter(candidateURL string, cfg Config) Result {
	u, err := url.Parse(candidateURL)
	if err != nil {
		if cfg.FilterMalformedUrls {
			return reject("malformed")
		}
		return allow()
	}
	if u.Host == "" && cfg.FilterMalformedUrls {
		return reject("malformed")
	}

	if cfg.FilterUnsupportedSchemes {
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return reject("unsupported-scheme")
		}
	}

	if cfg.FilterLongUrls && cfg.MaxUrlLength > 0 && len(candidateURL) > cfg.MaxUrlLength {
		return reject("too-long")
	}

	if len(cfg.AllowedDomains) > 0 && !domainMatches(u.Hostname(), cfg.AllowedDomains) {
		return reject("domain-not-allowed")
	}
	if len(cfg.BlockedDomains) > 0 && domainMatches(u.Hostname(), cfg.BlockedDomains) {
		return reject("domain-blocked")
	}

	ext := strings.ToLower(pathExt(u.Path))
	if ext != "" {
		if cfg.Archives && extIn(ext, extensionCategories["archives"]) {
			return reject("extension-archive")
		}
		if cfg.Images && extIn(ext, extensionCategories["images"]) {
			return reject("extension-image")
		}
		if cfg.Audio && extIn(ext, extensionCategories["audio"]) {
			return reject("extension-audio")
		}
		if cfg.Video && extIn(ext, extensionCategories["video"]) {
			return reject("extension-video")
		}
		if cfg.Office && extIn(ext, extensionCategories["office"]) {
			return reject("extension-office")
		}
		if cfg.Other && extIn(ext, extensionCategories["other"]) {
			return reject("extension-other")
		}
		for _, skip := range cfg.SkipFileExtensions {
			if strings.EqualFold(ext, normalizeExt(skip)) {
				return reject("extension-skip-list")
			}
		}
	}

	for _, re := range cfg.CustomUrlFilters {
		if re.MatchString(candidateURL) {
			return reject("custom-filter")
		}
	}

	return allow()
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

func pathExt(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	// Guard against a dot inside the last path segment's query-like
	// separators never reaching here since url.Path excludes query/frag.
	if strings.ContainsAny(p[i:], "/") {
		return ""
	}
	return p[i:]
}

func extIn(ext string, set []string) bool {
	for _, e := range set {
		if ext == e {
			return true
		}
	}
	return false
}

// domainMatches reports whether host equals or is a subdomain of any entry
// in domains.
func domainMatches(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
