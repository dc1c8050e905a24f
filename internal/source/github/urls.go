// Package github builds GitHub REST API requests for the repository crawler
// and decodes its responses.
package github

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	// DefaultPerPage is the largest page size the search API accepts.
	DefaultPerPage = 100

	// DefaultResultCap is the number of results a search query can enumerate.
	DefaultResultCap = 1000
)

// URLs builds API URLs against a base URL.
type URLs struct {
	BaseURL string
	PerPage int
}

// NewURLs creates a URL builder. Empty values select defaults.
func NewURLs(baseURL string, perPage int) URLs {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return URLs{BaseURL: strings.TrimRight(baseURL, "/"), PerPage: perPage}
}

// SearchQuery returns the repository search query for repositories created
// between from and to, inclusive, by calendar day.
func SearchQuery(from, to time.Time) string {
	return fmt.Sprintf("kicad OR pcb in:readme created:%s..%s",
		from.Format("2006-01-02"), to.Format("2006-01-02"))
}

// SearchRepositories returns the first page URL of a repository search.
func (u URLs) SearchRepositories(query string) string {
	return u.search("/search/repositories", query)
}

// SearchDesignFiles returns the first page URL of a code search for board
// files in one repository.
func (u URLs) SearchDesignFiles(fullName string) string {
	return u.search("/search/code", fmt.Sprintf(".kicad_pcb in:path repo:%s", fullName))
}

// License returns the license endpoint of a repository.
func (u URLs) License(fullName string) string {
	return u.BaseURL + "/repos/" + fullName + "/license"
}

// Readme returns the readme endpoint of a repository.
func (u URLs) Readme(fullName string) string {
	return u.BaseURL + "/repos/" + fullName + "/readme"
}

func (u URLs) search(path, query string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("per_page", strconv.Itoa(u.PerPage))
	v.Set("page", "1")
	return u.BaseURL + path + "?" + v.Encode()
}

// RawURL converts a blob html_url into a raw download URL.
// URLs that are not github.com blob links are returned unchanged.
func RawURL(htmlURL string) string {
	u, err := url.Parse(htmlURL)
	if err != nil || u.Host != "github.com" {
		return htmlURL
	}
	// owner/repo/blob/<ref>/<path>
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 4)
	if len(parts) < 4 || parts[2] != "blob" {
		return htmlURL
	}
	return "https://raw.githubusercontent.com/" + parts[0] + "/" + parts[1] + "/" + parts[3]
}
