package pagination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_pages_fetched_total",
		Help: "Total number of pages fetched and validated",
	})

	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_pagination_anomalies_total",
		Help: "Total pagination anomalies by kind",
	}, []string{"kind"})
)

// Cursor is the pagination state reported by a page.
type Cursor struct {
	// NextURL is the next page link; empty on the last page.
	NextURL string `json:"next_url,omitempty"`

	Offset int `json:"offset"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
}

// Page is one decoded page of results.
type Page struct {
	// URL is the URL the page was fetched from.
	URL string

	Cursor Cursor
	Items  []json.RawMessage
}

// Getter performs a single governed GET. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, url string) (*client.Response, error)
}

// Decoder turns a raw response into a page. Implementations fill Cursor and
// Items; URL is set by the iterator.
type Decoder interface {
	Decode(resp *client.Response) (*Page, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(resp *client.Response) (*Page, error)

// Decode calls f(resp).
func (f DecoderFunc) Decode(resp *client.Response) (*Page, error) {
	return f(resp)
}

// Fetcher creates page iterators for one source.
type Fetcher struct {
	getter  Getter
	decoder Decoder
	logger  zerolog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(getter Getter, decoder Decoder) *Fetcher {
	return &Fetcher{
		getter:  getter,
		decoder: decoder,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
}

// Iterate returns an iterator that starts at startURL. When resuming, start
// carries the cursor of the last page already processed so that its offset
// takes part in the regression check.
func (f *Fetcher) Iterate(startURL string, start *Cursor) *Iterator {
	it := &Iterator{
		fetcher: f,
		nextURL: startURL,
		seen:    make(map[string]struct{}),
	}
	if start != nil {
		it.prevOffset = start.Offset
		it.hasPrev = true
	}
	return it
}

// Iterator yields pages lazily. It is not restartable: once Next returns an
// error (including ErrDone) every later call returns the same error.
type Iterator struct {
	fetcher    *Fetcher
	nextURL    string
	prevOffset int
	hasPrev    bool
	seen       map[string]struct{}
	pages      int
	err        error
}

// Next fetches and validates the next page.
func (it *Iterator) Next(ctx context.Context) (*Page, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.nextURL == "" {
		it.err = ErrDone
		return nil, it.err
	}

	url := it.nextURL
	it.seen[url] = struct{}{}

	resp, err := it.fetcher.getter.Get(ctx, url)
	if err != nil {
		it.err = fmt.Errorf("fetch page %s: %w", url, err)
		return nil, it.err
	}

	page, err := it.fetcher.decoder.Decode(resp)
	if err != nil {
		it.err = fmt.Errorf("decode page %s: %w", url, err)
		return nil, it.err
	}
	page.URL = url

	if it.hasPrev && page.Cursor.Offset <= it.prevOffset {
		return nil, it.fail(&AnomalyError{
			Kind:       AnomalyOffsetRegression,
			URL:        url,
			Offset:     page.Cursor.Offset,
			PrevOffset: it.prevOffset,
		})
	}

	if next := page.Cursor.NextURL; next != "" {
		if _, dup := it.seen[next]; dup {
			return nil, it.fail(&AnomalyError{
				Kind:    AnomalyLoop,
				URL:     url,
				NextURL: next,
			})
		}
	}

	it.prevOffset = page.Cursor.Offset
	it.hasPrev = true
	it.nextURL = page.Cursor.NextURL
	it.pages++
	pagesFetchedTotal.Inc()

	it.fetcher.logger.Debug().
		Str("url", url).
		Int("offset", page.Cursor.Offset).
		Int("total", page.Cursor.Total).
		Int("items", len(page.Items)).
		Bool("last", it.nextURL == "").
		Msg("Page fetched")

	return page, nil
}

// More reports whether another page link is pending. It is false once the
// last page has been yielded.
func (it *Iterator) More() bool {
	return it.nextURL != ""
}

// Pages returns the number of pages yielded so far.
func (it *Iterator) Pages() int {
	return it.pages
}

func (it *Iterator) fail(ae *AnomalyError) error {
	anomaliesTotal.WithLabelValues(string(ae.Kind)).Inc()
	it.fetcher.logger.Error().
		Str("kind", string(ae.Kind)).
		Str("url", ae.URL).
		Str("next_url", ae.NextURL).
		Int("offset", ae.Offset).
		Int("prev_offset", ae.PrevOffset).
		Msg("Pagination anomaly")
	it.err = ae
	return ae
}
