package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces all cache keys in Redis.
const KeyPrefix = "partcrawl:lookup"

// Key identifies a cached response.
type Key struct {
	// Host is the API host (e.g., "api.github.com").
	Host string

	// Endpoint is the request path (e.g., "/repos/owner/name/license").
	Endpoint string

	// QueryParams are the request query parameters.
	QueryParams url.Values
}

// KeyFromURL builds a Key from an absolute request URL.
func KeyFromURL(rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return Key{}, fmt.Errorf("url %q has no host", rawURL)
	}
	return Key{
		Host:        u.Host,
		Endpoint:    u.Path,
		QueryParams: u.Query(),
	}, nil
}

// Kind names the lookup a key belongs to. It labels the cache metrics.
func (k Key) Kind() string {
	endpoint := strings.Trim(k.Endpoint, "/")
	switch {
	case endpoint == "search/code":
		return "design_files"
	case strings.HasSuffix(endpoint, "/license"):
		return "license"
	case strings.HasSuffix(endpoint, "/readme"):
		return "readme"
	default:
		return "other"
	}
}

// String generates a deterministic cache key string.
// Format: partcrawl:lookup:host/endpoint:query1=val1:query2=val2
//
// Example:
//
//	partcrawl:lookup:api.github.com/search/code:q=repo:o/r
func (k Key) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	switch {
	case k.Host != "" && endpoint != "":
		parts = append(parts, k.Host+"/"+endpoint)
	case k.Host != "":
		parts = append(parts, k.Host)
	case endpoint != "":
		parts = append(parts, endpoint)
	}

	// Sorted for determinism.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
