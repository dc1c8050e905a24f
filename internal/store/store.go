// Package store persists ingested repositories, design items and catalog
// parts. Natural keys are unique: a repeated insert returns ErrDuplicate so
// replaying a crawl window is idempotent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

var (
	// ErrDuplicate is returned when a record with the same natural key exists.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotFound is returned when an update targets a missing record.
	ErrNotFound = errors.New("record not found")
)

// Repo is an ingested repository. URL is the natural key.
type Repo struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	Stars       int       `json:"stars"`
	Forks       int       `json:"forks"`
	License     string    `json:"license"`
	LicenseURL  string    `json:"license_url"`
	Readme      string    `json:"readme"`
	ReadmeURL   string    `json:"readme_url"`
	DesignFiles []string  `json:"design_files"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item is a component extracted from a design file.
type Item struct {
	ID        string  `json:"id"`
	RepoID    string  `json:"repo_id"`
	Reference string  `json:"reference"`
	Value     string  `json:"value"`
	Footprint string  `json:"footprint"`
	PartID    *string `json:"part_id,omitempty"`
}

// Part is a catalog entry. CatalogID is the natural key, MPN the match key.
type Part struct {
	ID           string `json:"id"`
	CatalogID    string `json:"catalog_id"`
	MPN          string `json:"mpn"`
	Manufacturer string `json:"manufacturer"`
	Description  string `json:"description"`
	Datasheet    string `json:"datasheet"`
}

// Counts summarizes store contents.
type Counts struct {
	Repos        int `json:"repos"`
	Items        int `json:"items"`
	MatchedItems int `json:"matched_items"`
	Parts        int `json:"parts"`
}

// Store defines the persistence interface used by the crawl, catalog and
// match jobs.
type Store interface {
	// Ingestion
	InsertRepo(ctx context.Context, repo *Repo) error
	InsertItem(ctx context.Context, item *Item) error
	InsertPart(ctx context.Context, part *Part) error

	// Matching
	UnmatchedItems(ctx context.Context) ([]Item, error)
	// PartsMatching returns the parts whose MPN contains value after
	// FoldKey is applied to both, in insertion order.
	PartsMatching(ctx context.Context, value string) ([]Part, error)
	AssignPart(ctx context.Context, itemID, partID string) error

	// Reporting
	Counts(ctx context.Context) (Counts, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// FoldKey returns the Unicode case-folded form of s. Parts store the folded
// MPN so candidate lookup folds the same way on every driver.
func FoldKey(s string) string {
	return cases.Fold().String(s)
}

// Open creates a store for driver ("sqlite" or "postgres") and runs migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		st  Store
		err error
	)
	switch driver {
	case "sqlite", "":
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
