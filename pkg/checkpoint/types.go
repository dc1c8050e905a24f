package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// ErrRegression is returned when a checkpoint would move backwards.
var ErrRegression = errors.New("checkpoint regression")

// CrawlCheckpoint records the last fully completed crawl window.
type CrawlCheckpoint struct {
	// CompletedThrough is the last completed window ("YYYY-MM").
	CompletedThrough string `json:"completed_through"`

	// RecordsSeen is the number of search results processed so far.
	RecordsSeen int `json:"records_seen"`

	// ItemsFound is the number of records with design files stored so far.
	ItemsFound int `json:"items_found"`
}

// Advance marks window as completed and adds the window's counters.
// Windows are "YYYY-MM" identifiers and compare lexically.
func (c *CrawlCheckpoint) Advance(window string, records, items int) error {
	if window < c.CompletedThrough {
		return fmt.Errorf("%w: %s is before %s", ErrRegression, window, c.CompletedThrough)
	}
	c.CompletedThrough = window
	c.RecordsSeen += records
	c.ItemsFound += items
	return nil
}

// Meta mirrors the pagination metadata of the last processed page.
type Meta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// CatalogCheckpoint records catalog walk progress.
type CatalogCheckpoint struct {
	// NextURLs are the pages still to fetch, first one next.
	NextURLs []string `json:"next_urls"`

	Meta Meta `json:"meta"`

	// FinishedAt is set when the walk completed.
	FinishedAt *time.Time `json:"finished_at"`
}

// Finished reports whether the walk completed.
func (c *CatalogCheckpoint) Finished() bool {
	return c != nil && c.FinishedAt != nil
}

// Stale reports whether a finished walk is older than interval at now.
func (c *CatalogCheckpoint) Stale(now time.Time, interval time.Duration) bool {
	if !c.Finished() {
		return false
	}
	return !c.FinishedAt.Add(interval).After(now)
}
