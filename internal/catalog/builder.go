// Package catalog builds the local parts catalog by walking the parts API
// page by page, checkpointing after every page so a walk can resume where it
// stopped.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pcbsearch/partcrawl/internal/source/aisler"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/checkpoint"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Defaults for the parts walk.
const (
	DefaultPageDelay       = 20 * time.Second
	DefaultRecrawlInterval = 7 * 24 * time.Hour
)

// ErrInsert is returned when a part cannot be stored for a reason other than
// a duplicate catalog id.
var ErrInsert = errors.New("insert part")

var partsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "partcrawl_catalog_parts_total",
	Help: "Total catalog parts processed by outcome",
}, []string{"outcome"})

// PartStore is the part of the record store the builder writes to.
type PartStore interface {
	InsertPart(ctx context.Context, part *store.Part) error
}

// Config holds the builder dependencies.
type Config struct {
	// Getter performs the governed, authenticated page requests (REQUIRED).
	Getter pagination.Getter

	// Store receives the parts (REQUIRED).
	Store PartStore

	// Checkpoints persists walk progress (REQUIRED).
	Checkpoints *checkpoint.Store[checkpoint.CatalogCheckpoint]

	// PartsURL is the first page of a fresh walk (REQUIRED).
	PartsURL string

	// Limiter paces page requests (default: one every DefaultPageDelay).
	Limiter *rate.Limiter

	// RecrawlInterval is the minimum age of a finished walk before a new
	// one starts.
	RecrawlInterval time.Duration

	Stop *stop.Token

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Summary reports what one run did.
type Summary struct {
	Pages      int
	Inserted   int
	Duplicates int
	Skipped    int

	// UpToDate is true when a recent finished walk made the run a no-op.
	UpToDate bool

	// Finished is true when the walk reached the last page.
	Finished bool
}

// Builder walks the parts API into the record store.
type Builder struct {
	cfg    Config
	fetch  *pagination.Fetcher
	logger zerolog.Logger
}

// New creates a builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("part store is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.PartsURL == "" {
		return nil, fmt.Errorf("parts url is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(DefaultPageDelay), 1)
	}
	if cfg.RecrawlInterval <= 0 {
		cfg.RecrawlInterval = DefaultRecrawlInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Builder{
		cfg:    cfg,
		fetch:  pagination.NewFetcher(cfg.Getter, aisler.Decoder{}),
		logger: log.With().Str("component", "catalog").Logger(),
	}, nil
}

// Run continues or starts a catalog walk. A finished walk younger than the
// recrawl interval makes Run a no-op; an older one starts over from the
// configured parts URL. After every page the parts are stored and the next
// page is checkpointed. A stop request ends the run after the current page
// and returns stop.ErrStopped.
func (b *Builder) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	cp, err := b.cfg.Checkpoints.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load checkpoint: %w", err)
	}

	if cp.Finished() {
		next := cp.FinishedAt.Add(b.cfg.RecrawlInterval)
		if !cp.Stale(b.cfg.Now(), b.cfg.RecrawlInterval) {
			b.logger.Info().
				Time("finished_at", *cp.FinishedAt).
				Time("next_crawl_at", next).
				Msg("Parts catalog is up to date")
			sum.UpToDate = true
			return sum, nil
		}
		b.logger.Info().Time("finished_at", *cp.FinishedAt).Msg("Parts catalog is stale - starting a fresh walk")
		cp = nil
	}

	startURL := b.cfg.PartsURL
	var start *pagination.Cursor
	if cp != nil {
		if len(cp.NextURLs) == 0 {
			// The last page was stored but completion was never recorded.
			return sum, b.finish(ctx, &sum)
		}
		startURL = cp.NextURLs[0]
		start = &pagination.Cursor{Offset: cp.Meta.Offset, Total: cp.Meta.Total, Limit: cp.Meta.Limit}
		b.logger.Info().
			Str("url", startURL).
			Int("offset", cp.Meta.Offset).
			Int("total", cp.Meta.Total).
			Msg("Resuming parts catalog walk")
	} else {
		b.logger.Info().Str("url", startURL).Msg("Building parts catalog")
	}

	it := b.fetch.Iterate(startURL, start)
	for {
		if b.cfg.Stop.Requested() {
			b.logger.Warn().Int("pages", sum.Pages).Msg("Stopped on request - progress saved")
			return sum, stop.ErrStopped
		}

		if err := b.cfg.Limiter.Wait(ctx); err != nil {
			return sum, err
		}

		page, err := it.Next(ctx)
		if errors.Is(err, pagination.ErrDone) {
			break
		}
		if err != nil {
			return sum, err
		}

		if err := b.storePage(ctx, page, &sum); err != nil {
			return sum, err
		}

		next := &checkpoint.CatalogCheckpoint{
			NextURLs: []string{},
			Meta: checkpoint.Meta{
				Total:  page.Cursor.Total,
				Offset: page.Cursor.Offset,
				Limit:  page.Cursor.Limit,
			},
		}
		if page.Cursor.NextURL != "" {
			next.NextURLs = append(next.NextURLs, page.Cursor.NextURL)
		}
		if err := b.cfg.Checkpoints.Save(ctx, next); err != nil {
			return sum, fmt.Errorf("save checkpoint: %w", err)
		}
		sum.Pages++

		b.logger.Info().
			Int("offset", page.Cursor.Offset).
			Int("total", page.Cursor.Total).
			Int("parts", len(page.Items)).
			Msg("Parts page stored")
	}

	return sum, b.finish(ctx, &sum)
}

func (b *Builder) storePage(ctx context.Context, page *pagination.Page, sum *Summary) error {
	for _, raw := range page.Items {
		part, err := aisler.ParsePart(raw)
		if err != nil {
			sum.Skipped++
			partsTotal.WithLabelValues("skipped").Inc()
			b.logger.Warn().Err(err).Str("url", page.URL).Msg("Skipping undecodable part")
			continue
		}

		err = b.cfg.Store.InsertPart(ctx, part)
		if errors.Is(err, store.ErrDuplicate) {
			sum.Duplicates++
			partsTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("%w %s: %v", ErrInsert, part.CatalogID, err)
		}
		sum.Inserted++
		partsTotal.WithLabelValues("inserted").Inc()
	}
	return nil
}

func (b *Builder) finish(ctx context.Context, sum *Summary) error {
	now := b.cfg.Now().UTC()
	if err := b.cfg.Checkpoints.Save(ctx, &checkpoint.CatalogCheckpoint{FinishedAt: &now}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	sum.Finished = true

	b.logger.Info().
		Int("pages", sum.Pages).
		Int("inserted", sum.Inserted).
		Int("duplicates", sum.Duplicates).
		Msg("Parts catalog walk finished")
	return nil
}
