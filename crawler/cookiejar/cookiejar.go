// Package cookiejar implements a per-origin cookie store: many concurrent
// readers, serialized writes, atomic per Set-Cookie header, with a JSON
// serialize/deserialize pair so a session's jar survives a resume.
package cookiejar

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
)

// entry is a single stored cookie, trimmed to the fields that matter for
// replay; http.Cookie itself is not directly JSON-serializable in a stable
// way across versions.
type entry struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path"`
	Domain   string `json:"domain"`
	Expires  int64  `json:"expires"` // unix seconds, 0 means session cookie
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
}

// Jar is a cookiejar.Jar-compatible (net/http.CookieJar) store, scoped per
// origin, safe for many concurrent readers and serialized writers.
type Jar struct {
	mu      sync.RWMutex
	byOrigin map[string][]entry
}

// New creates an empty Jar.
func New() *Jar {
	return &Jar{byOrigin: make(map[string][]entry)}
}

// SetCookies implements http.CookieJar, called by net/http after every
// response that carries Set-Cookie headers. The write for one origin is
// atomic: callers see either the pre- or post-update cookie set, never a
// partial one.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	origin := originOf(u)
	next := make([]entry, 0, len(cookies))
	for _, c := range cookies {
		e := entry{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if !c.Expires.IsZero() {
			e.Expires = c.Expires.Unix()
		}
		next = append(next, e)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	merged := mergeCookies(j.byOrigin[origin], next)
	j.byOrigin[origin] = merged
}

// Cookies implements http.CookieJar, returning the cookies to attach to a
// request to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	origin := originOf(u)
	j.mu.RLock()
	defer j.mu.RUnlock()
	entries := j.byOrigin[origin]
	out := make([]*http.Cookie, 0, len(entries))
	for _, e := range entries {
		out = append(out, &http.Cookie{Name: e.Name, Value: e.Value})
	}
	return out
}

// mergeCookies replaces any existing cookie sharing a name with its
// updated value, appending genuinely new ones, and never lets an
// unrelated Set-Cookie header wipe out previously stored cookies for the
// same origin.
func mergeCookies(existing, updates []entry) []entry {
	byName := make(map[string]entry, len(existing)+len(updates))
	for _, e := range existing {
		byName[e.Name] = e
	}
	for _, e := range updates {
		byName[e.Name] = e
	}
	out := make([]entry, 0, len(byName))
	for _, e := range byName {
		out = append(out, e)
	}
	return out
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// snapshot is the JSON wire format for Serialize/Deserialize.
type snapshot struct {
	ByOrigin map[string][]entry `json:"by_origin"`
}

// Serialize produces a JSON snapshot of the jar's contents, for
// persistence across a session's lifetime.
func (j *Jar) Serialize() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return json.Marshal(snapshot{ByOrigin: j.byOrigin})
}

// Deserialize restores a jar's contents from a Serialize snapshot,
// replacing whatever was previously stored.
func (j *Jar) Deserialize(data []byte) error {
	var snap snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if snap.ByOrigin == nil {
		snap.ByOrigin = make(map[string][]entry)
	}
	j.byOrigin = snap.ByOrigin
	return nil
}
