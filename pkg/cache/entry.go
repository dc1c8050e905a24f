package cache

import (
	"net/http"
	"time"
)

// keptHeaders are the response headers lookup decoding reads. Rate limit
// headers are never cached so a replayed response cannot move the budget.
var keptHeaders = []string{"Content-Type", "Link", "ETag"}

// Entry is a cached 200 response to a secondary lookup.
type Entry struct {
	// URL is the request URL the body was fetched from.
	URL string `json:"url"`

	Body   []byte            `json:"body"`
	Header map[string]string `json:"header,omitempty"`

	CachedAt time.Time `json:"cached_at"`
	Expires  time.Time `json:"expires"`
}

// NewEntry builds an entry for a lookup fetched at now that stays fresh for ttl.
func NewEntry(url string, body []byte, header http.Header, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		URL:      url,
		Body:     body,
		CachedAt: now,
		Expires:  now.Add(ttl),
	}
	for _, name := range keptHeaders {
		if v := header.Get(name); v != "" {
			if e.Header == nil {
				e.Header = make(map[string]string, len(keptHeaders))
			}
			e.Header[name] = v
		}
	}
	return e
}

// HTTPHeader rebuilds the kept headers as an http.Header.
func (e *Entry) HTTPHeader() http.Header {
	h := make(http.Header, len(e.Header))
	for name, v := range e.Header {
		h.Set(name, v)
	}
	return h
}

// IsExpired reports whether the entry is stale at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time left at now, or 0 once expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.IsExpired(now) {
		return 0
	}
	return e.Expires.Sub(now)
}
