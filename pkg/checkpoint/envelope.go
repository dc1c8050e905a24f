package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 1

// Kinds of checkpoint.
const (
	KindCrawl   = "crawl"
	KindCatalog = "catalog"
)

var (
	// ErrIncompatible is returned by Load when the stored envelope has a
	// different schema version or kind.
	ErrIncompatible = errors.New("incompatible checkpoint")

	// ErrNotFound is returned by a Backend when no state is stored.
	ErrNotFound = errors.New("checkpoint not found")
)

// Envelope wraps checkpoint data with its schema version and kind.
type Envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// check validates version and kind.
func (e *Envelope) check(kind string) error {
	if e.Version != CurrentVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, e.Version, CurrentVersion)
	}
	if e.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrIncompatible, e.Kind, kind)
	}
	return nil
}
