// Package parser implements a tolerant HTML parser: title, meta
// (OpenGraph and Twitter included), canonical link, full text extraction,
// configurable link extraction and optional CSS-selector-driven data
// extraction, all built on top of goquery and cascadia.
package parser

import (
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// LinkConfig configures link extraction: for every configured
// (tag, attr) pair the matching attribute is read, resolved against the
// page's final URL, and yielded as an absolute URL. A non-empty RestrictCSS
// limits extraction to nodes nested under at least one matching ancestor.
type LinkConfig struct {
	Tags         []string
	Attrs        []string
	RestrictCSS  []string
	ExcludedExts map[string]bool
}

// DefaultLinkConfig extracts the common anchor/link cases: <a href> and
// <link href>. Every <link> element is read, whatever its rel value.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Tags:  []string{"a", "link"},
		Attrs: []string{"href", "href"},
	}
}

// ExtractKind selects how a DataConfig entry's match is materialized.
type ExtractKind int

const (
	// ExtractText takes the first match's trimmed text content.
	ExtractText ExtractKind = iota
	// ExtractAttribute takes the first match's named attribute value.
	ExtractAttribute
	// ExtractExists reports whether any node matched, as "true"/"false".
	ExtractExists
	// ExtractMultiple takes every match's trimmed text content.
	ExtractMultiple
	// ExtractFields applies a set of sub-selectors scoped to the first
	// match, producing a nested field→value mapping flattened with a
	// "." separator into the result map.
	ExtractFields
)

// DataConfig is one labeled CSS-selector-driven extraction rule.
type DataConfig struct {
	Label     string
	Selector  string
	Kind      ExtractKind
	Attribute string       // used when Kind == ExtractAttribute
	Fields    []DataConfig // used when Kind == ExtractFields, selectors scoped to the match
}

// Meta holds the semantic metadata pulled from <meta> tags: plain
// name/content pairs plus the OpenGraph (og:*) and Twitter (twitter:*)
// namespaces.
type Meta struct {
	Plain    map[string]string
	OpenGraph map[string]string
	Twitter  map[string]string
}

// Result is the parsed representation of one fetched HTML page.
type Result struct {
	Title     string
	Canonical string
	Meta      Meta
	Text      string
	Links     []*url.URL
	Data      map[string]string
}

// Parser extracts structured data from an HTML document using goquery as
// its DOM backend, covering title/meta/canonical/text extraction and
// configurable selectors.
type Parser struct {
	links LinkConfig
	data  []DataConfig
}

// New creates a Parser. An empty links.Tags/Attrs falls back to
// DefaultLinkConfig.
func New(links LinkConfig, data []DataConfig) *Parser {
	if len(links.Tags) == 0 {
		links = DefaultLinkConfig()
	}
	if links.ExcludedExts == nil {
		links.ExcludedExts = map[string]bool{}
	}
	return &Parser{links: links, data: data}
}

// Parse reads reader as HTML and produces a Result, resolving discovered
// links against baseURL (the page's final URL, post-redirect).
func (p *Parser) Parse(baseURL string, reader io.Reader) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Meta:      extractMeta(doc),
		Text:      strings.TrimSpace(doc.Find("body").Text()),
		Links:     p.extractLinks(doc, baseURL),
		Data:      map[string]string{},
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if resolved, ok := resolveRelativeURL(baseURL, href); ok {
			res.Canonical = resolved.String()
		}
	}
	for _, dc := range p.data {
		extractData(doc.Selection, dc, res.Data, "")
	}
	return res, nil
}

// extractMeta scans every <meta> tag, bucketing og:* and twitter:* names
// into their own namespaces and everything else into Plain.
func extractMeta(doc *goquery.Document) Meta {
	m := Meta{
		Plain:     map[string]string{},
		OpenGraph: map[string]string{},
		Twitter:   map[string]string{},
	}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, hasContent := s.Attr("content")
		if !hasContent {
			return
		}
		if name, ok := s.Attr("property"); ok && strings.HasPrefix(name, "og:") {
			m.OpenGraph[strings.TrimPrefix(name, "og:")] = content
			return
		}
		if name, ok := s.Attr("name"); ok {
			if strings.HasPrefix(name, "twitter:") {
				m.Twitter[strings.TrimPrefix(name, "twitter:")] = content
				return
			}
			m.Plain[name] = content
		}
	})
	return m
}

// extractLinks walks the configured (tag, attr) pairs, scoping to
// RestrictCSS ancestors when present, and resolves each attribute value to
// an absolute URL. Invalid or empty values are dropped silently.
func (p *Parser) extractLinks(doc *goquery.Document, baseURL string) []*url.URL {
	var scope *goquery.Selection
	if len(p.links.RestrictCSS) > 0 {
		sel := doc.Find(strings.Join(p.links.RestrictCSS, ", "))
		scope = sel
	} else {
		scope = doc.Selection
	}

	seen := map[string]bool{}
	var out []*url.URL
	for i, tag := range p.links.Tags {
		attr := "href"
		if i < len(p.links.Attrs) {
			attr = p.links.Attrs[i]
		}
		scope.Find(tag).Each(func(_ int, el *goquery.Selection) {
			val, ok := el.Attr(attr)
			if !ok || val == "" {
				return
			}
			if p.links.ExcludedExts[filepath.Ext(val)] {
				return
			}
			resolved, ok := resolveRelativeURL(baseURL, val)
			if !ok {
				return
			}
			key := resolved.String()
			if seen[key] {
				return
			}
			seen[key] = true
			out = append(out, resolved)
		})
	}
	return out
}

// extractData applies one DataConfig rule against scope, writing into out
// under prefix+Label (fields are flattened with a "." separator).
func extractData(scope *goquery.Selection, dc DataConfig, out map[string]string, prefix string) {
	key := dc.Label
	if prefix != "" {
		key = prefix + "." + dc.Label
	}
	matches := scope.Find(dc.Selector)

	switch dc.Kind {
	case ExtractExists:
		if matches.Length() > 0 {
			out[key] = "true"
		} else {
			out[key] = "false"
		}
	case ExtractAttribute:
		if v, ok := matches.First().Attr(dc.Attribute); ok {
			out[key] = v
		}
	case ExtractMultiple:
		var vals []string
		matches.Each(func(_ int, s *goquery.Selection) {
			vals = append(vals, strings.TrimSpace(s.Text()))
		})
		out[key] = strings.Join(vals, "\n")
	case ExtractFields:
		first := matches.First()
		for _, field := range dc.Fields {
			extractData(first, field, out, key)
		}
	default: // ExtractText
		out[key] = strings.TrimSpace(matches.First().Text())
	}
}

// resolveRelativeURL joins relative against base, returning the resolved
// absolute URL.
func resolveRelativeURL(base string, relative string) (*url.URL, bool) {
	u, err := url.Parse(relative)
	if err != nil {
		return nil, false
	}
	if u.Hostname() != "" {
		return u, true
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, false
	}
	return baseURL.ResolveReference(u), true
}

// CompileSelector pre-validates a CSS selector using cascadia, surfacing a
// parse error at configuration time rather than at first use deep inside a
// crawl. goquery itself shells out to cascadia for every .Find call, so
// this does not change matching behavior, only when a bad selector is
// reported.
func CompileSelector(selector string) error {
	_, err := cascadia.Compile(selector)
	return err
}
