// Package urlnorm canonicalizes URLs for dedup purposes only. The
// canonical form is never used for the actual fetch, only as the
// Frontier's seen-set key.
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

// Options controls which normalization steps are applied.
type Options struct {
	// DropTrailingSlash removes a trailing slash on non-root paths.
	DropTrailingSlash bool
}

// Normalize canonicalizes rawURL: lowercases the host, strips the default
// port for http/https, drops the fragment, sorts query parameters by key
// (stable within equal keys), and optionally drops a non-root trailing
// slash. It returns rawURL unchanged if it cannot be parsed.
func Normalize(rawURL string, opts Options) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Host = stripDefaultPort(u.Host, u.Scheme)
	u.Fragment = ""
	u.RawQuery = sortedQuery(u.RawQuery)

	if opts.DropTrailingSlash && u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

func stripDefaultPort(host, scheme string) string {
	h, port, found := cutPort(host)
	if !found {
		return host
	}
	switch {
	case scheme == "http" && port == "80":
		return h
	case scheme == "https" && port == "443":
		return h
	default:
		return host
	}
}

// cutPort splits "host:port" taking IPv6 literals ("[::1]:80") into
// account, since net/url keeps the brackets in Host.
func cutPort(host string) (h, port string, found bool) {
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndex(host, "]:"); i >= 0 {
			return host[:i+1], host[i+2:], true
		}
		return host, "", false
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i], host[i+1:], true
	}
	return host, "", false
}

func sortedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
