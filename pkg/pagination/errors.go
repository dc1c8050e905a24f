package pagination

import (
	"errors"
	"fmt"
)

// ErrDone is returned by Iterator.Next when there are no more pages.
var ErrDone = errors.New("no more pages")

// AnomalyKind identifies a pagination anomaly.
type AnomalyKind string

const (
	// AnomalyLoop means the next link points to a URL already fetched.
	AnomalyLoop AnomalyKind = "loop"

	// AnomalyOffsetRegression means a page offset did not strictly increase.
	AnomalyOffsetRegression AnomalyKind = "offset_regression"
)

// AnomalyError reports malformed pagination. It is fatal and never retried.
type AnomalyError struct {
	Kind AnomalyKind

	// URL is the page on which the anomaly was observed.
	URL string

	// NextURL is the offending next link (loop only).
	NextURL string

	// Offset and PrevOffset are the offsets compared (regression only).
	Offset     int
	PrevOffset int
}

// Error implements the error interface.
func (e *AnomalyError) Error() string {
	switch e.Kind {
	case AnomalyLoop:
		return fmt.Sprintf("pagination loop: %s links to already fetched %s", e.URL, e.NextURL)
	case AnomalyOffsetRegression:
		return fmt.Sprintf("pagination offset regression at %s: offset %d after %d", e.URL, e.Offset, e.PrevOffset)
	default:
		return fmt.Sprintf("pagination anomaly %q at %s", e.Kind, e.URL)
	}
}

// IsAnomaly reports whether err is an AnomalyError and returns it.
func IsAnomaly(err error) (*AnomalyError, bool) {
	var ae *AnomalyError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
