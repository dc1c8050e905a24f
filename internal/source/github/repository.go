package github

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Repository is the subset of a repository search result the crawler keeps.
type Repository struct {
	HTMLURL     string    `json:"html_url"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description *string   `json:"description"`
	Stars       int       `json:"stargazers_count"`
	Forks       int       `json:"forks_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParseError reports a search result that could not be mapped.
type ParseError struct {
	Raw string
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("parse repository %s: %v", raw, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseRepository maps one search item. Items without a URL or full name
// cannot be looked up and are rejected.
func ParseRepository(raw json.RawMessage) (*Repository, error) {
	var repo Repository
	if err := json.Unmarshal(raw, &repo); err != nil {
		return nil, &ParseError{Raw: string(raw), Err: err}
	}
	if repo.HTMLURL == "" {
		return nil, &ParseError{Raw: string(raw), Err: fmt.Errorf("missing html_url")}
	}
	if repo.FullName == "" || !strings.Contains(repo.FullName, "/") {
		return nil, &ParseError{Raw: string(raw), Err: fmt.Errorf("invalid full_name %q", repo.FullName)}
	}
	return &repo, nil
}

// DescriptionText returns the description or an empty string.
func (r *Repository) DescriptionText() string {
	if r.Description == nil {
		return ""
	}
	return *r.Description
}

// codeResult is one code search item.
type codeResult struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	HTMLURL string `json:"html_url"`
}

// contentResponse is returned by the license and readme endpoints.
type contentResponse struct {
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	DownloadURL string `json:"download_url"`
}
