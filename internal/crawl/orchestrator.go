// Package crawl drives the month-by-month repository crawl: it enumerates
// search results per calendar month, gathers design files, license and
// readme per repository, stores the records and advances the crawl
// checkpoint once a month is complete.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pcbsearch/partcrawl/internal/source/github"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/checkpoint"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEpoch is the first month crawled on a cold start.
var DefaultEpoch = Period{Year: 2015, Month: time.January}

// ErrPersist is returned when a record cannot be written for a reason other
// than a duplicate key.
var ErrPersist = errors.New("persist record")

// Lookups performs the per-repository secondary requests.
// *github.Lookups implements it.
type Lookups interface {
	DesignFiles(ctx context.Context, fullName string) ([]string, error)
	License(ctx context.Context, fullName string) (github.Content, error)
	Readme(ctx context.Context, fullName string) (github.Content, error)
}

// RecordStore is the part of the record store the crawler writes to.
type RecordStore interface {
	InsertRepo(ctx context.Context, repo *store.Repo) error
	InsertItem(ctx context.Context, item *store.Item) error
}

// Parser extracts design items from a design file. It is optional; without
// one only repositories are stored.
type Parser interface {
	Parse(ctx context.Context, fileURL string) ([]store.Item, error)
}

// StatusReporter accepts a hook that adds crawl progress to rate limit wait
// logs. *ratelimit.Governor implements it.
type StatusReporter interface {
	SetStatusHook(fn func(e *zerolog.Event))
}

// Config holds the orchestrator dependencies.
type Config struct {
	// Search performs the repository search requests (REQUIRED).
	Search pagination.Getter

	// Lookups performs design file, license and readme lookups (REQUIRED).
	Lookups Lookups

	// Store receives the crawled records (REQUIRED).
	Store RecordStore

	// Checkpoints persists the crawl position (REQUIRED).
	Checkpoints *checkpoint.Store[checkpoint.CrawlCheckpoint]

	URLs    github.URLs
	Decoder github.SearchDecoder

	// Epoch is the first month crawled on a cold start.
	Epoch Period

	Stop     *stop.Token
	Parser   Parser
	Governor StatusReporter

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Summary reports what one run did.
type Summary struct {
	Windows          int
	ReposSeen        int
	ReposStored      int
	DesignFiles      int
	Items            int
	Skipped          int
	Duplicates       int
	CompletedThrough string
}

// Orchestrator runs the repository crawl.
type Orchestrator struct {
	cfg    Config
	fetch  *pagination.Fetcher
	logger zerolog.Logger

	// progress of the window being crawled, reported while rate limited
	window     Period
	reposSeen  int
	filesFound int
	skipped    int
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Search == nil {
		return nil, fmt.Errorf("search getter is required")
	}
	if cfg.Lookups == nil {
		return nil, fmt.Errorf("lookups are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.URLs.BaseURL == "" {
		cfg.URLs = github.NewURLs("", 0)
	}
	if cfg.Decoder.ResultCap <= 0 {
		cfg.Decoder = github.NewSearchDecoder(0)
	}
	if cfg.Epoch == (Period{}) {
		cfg.Epoch = DefaultEpoch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:    cfg,
		fetch:  pagination.NewFetcher(cfg.Search, cfg.Decoder),
		logger: log.With().Str("component", "crawler").Logger(),
	}

	if cfg.Governor != nil {
		cfg.Governor.SetStatusHook(func(e *zerolog.Event) {
			e.Str("window", o.window.String()).
				Int("repos_seen", o.reposSeen).
				Int("design_files", o.filesFound)
		})
	}

	return o, nil
}

// Run crawls from the month after the checkpoint through the current month.
// Months are committed in order: records first, then the checkpoint. The
// current month is stored but not checkpointed since it is still open.
// A stop request ends the run at the next item, page or month boundary
// without committing the partial month and returns stop.ErrStopped.
func (o *Orchestrator) Run(ctx context.Context) (sum Summary, err error) {
	o.skipped = 0
	defer func() { sum.Skipped = o.skipped }()

	cp, err := o.cfg.Checkpoints.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = &checkpoint.CrawlCheckpoint{}
	}
	sum.CompletedThrough = cp.CompletedThrough

	start, err := o.startPeriod(cp)
	if err != nil {
		return sum, err
	}
	current := PeriodOf(o.cfg.Now().UTC())

	o.logger.Info().
		Str("completed_through", cp.CompletedThrough).
		Str("start", start.String()).
		Str("current", current.String()).
		Msg("Starting repository crawl")

	for w := start; !current.Before(w); w = w.Next() {
		if o.cfg.Stop.Requested() {
			return sum, stop.ErrStopped
		}

		res, err := o.crawlWindow(ctx, w)
		if err != nil {
			if errors.Is(err, stop.ErrStopped) {
				o.logger.Warn().Str("window", w.String()).Msg("Stopped mid-window - partial window discarded")
			}
			return sum, err
		}

		if err := o.persist(ctx, res, &sum); err != nil {
			return sum, err
		}
		sum.Windows++
		sum.ReposSeen += res.seen
		sum.DesignFiles += res.files

		if w == current {
			o.logger.Info().
				Str("window", w.String()).
				Int("repos_seen", res.seen).
				Msg("Reached current month - stored without advancing checkpoint")
			break
		}

		if err := cp.Advance(w.String(), res.seen, res.files); err != nil {
			return sum, err
		}
		if err := o.cfg.Checkpoints.Save(ctx, cp); err != nil {
			return sum, fmt.Errorf("save checkpoint: %w", err)
		}
		sum.CompletedThrough = cp.CompletedThrough
		windowsCompletedTotal.Inc()

		o.logger.Info().
			Str("window", w.String()).
			Int("repos_seen", res.seen).
			Int("design_files", res.files).
			Int("records_seen_total", cp.RecordsSeen).
			Msg("Reached end of month - checkpoint saved")
	}

	return sum, nil
}

func (o *Orchestrator) startPeriod(cp *checkpoint.CrawlCheckpoint) (Period, error) {
	start := o.cfg.Epoch
	if cp.CompletedThrough == "" {
		return start, nil
	}
	done, err := ParsePeriod(cp.CompletedThrough)
	if err != nil {
		return Period{}, fmt.Errorf("checkpoint: %w", err)
	}
	if next := done.Next(); start.Before(next) {
		start = next
	}
	return start, nil
}

// windowResult holds the records gathered for one month.
type windowResult struct {
	repos []*store.Repo
	seen  int
	files int
}

func (o *Orchestrator) crawlWindow(ctx context.Context, w Period) (*windowResult, error) {
	o.window, o.reposSeen, o.filesFound = w, 0, 0

	o.logger.Info().
		Str("from", w.Start().Format("2006-01-02")).
		Str("to", w.End().Format("2006-01-02")).
		Msg("Crawling repositories")

	url := o.cfg.URLs.SearchRepositories(github.SearchQuery(w.Start(), w.End()))
	it := o.fetch.Iterate(url, nil)
	res := &windowResult{}

	for first := true; it.More(); first = false {
		if o.cfg.Stop.Requested() {
			return nil, stop.ErrStopped
		}

		page, err := it.Next(ctx)
		if errors.Is(err, pagination.ErrDone) {
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", w, err)
		}

		if first && page.Cursor.Total >= o.cfg.Decoder.ResultCap {
			coverageLossTotal.Inc()
			o.logger.Warn().
				Str("window", w.String()).
				Int("total", page.Cursor.Total).
				Int("result_cap", o.cfg.Decoder.ResultCap).
				Msg("Search results exceed the enumeration cap - some repositories will be missed")
		}

		for i, raw := range page.Items {
			repo, err := o.crawlRepo(ctx, raw)
			if err != nil {
				return nil, err
			}
			res.seen++
			o.reposSeen++
			reposSeenTotal.Inc()
			if repo != nil {
				res.repos = append(res.repos, repo)
				res.files += len(repo.DesignFiles)
			}

			// A fully fetched window is kept even if a stop arrives now.
			last := i == len(page.Items)-1 && !it.More()
			if !last && o.cfg.Stop.Requested() {
				return nil, stop.ErrStopped
			}
		}
	}
	return res, nil
}

// crawlRepo gathers one repository. It returns nil without error for
// repositories that are skipped or have no design files.
func (o *Orchestrator) crawlRepo(ctx context.Context, raw json.RawMessage) (*store.Repo, error) {
	gh, err := github.ParseRepository(raw)
	if err != nil {
		o.skip("parse", err, "")
		return nil, nil
	}
	o.logger.Debug().Str("repo", gh.HTMLURL).Msg("Found repository")

	files, err := o.cfg.Lookups.DesignFiles(ctx, gh.FullName)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		o.skip("fetch", err, gh.HTMLURL)
		return nil, nil
	}
	if len(files) == 0 {
		return nil, nil
	}
	o.filesFound += len(files)
	designFilesFoundTotal.Add(float64(len(files)))

	license, err := o.cfg.Lookups.License(ctx, gh.FullName)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		o.logger.Error().Err(err).Str("repo", gh.HTMLURL).Msg("License lookup failed - using placeholder")
	}
	readme, err := o.cfg.Lookups.Readme(ctx, gh.FullName)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		o.logger.Error().Err(err).Str("repo", gh.HTMLURL).Msg("Readme lookup failed - using placeholder")
	}

	return &store.Repo{
		URL:         gh.HTMLURL,
		Name:        gh.Name,
		FullName:    gh.FullName,
		Description: gh.DescriptionText(),
		Stars:       gh.Stars,
		Forks:       gh.Forks,
		License:     license.Text,
		LicenseURL:  license.URL,
		Readme:      readme.Text,
		ReadmeURL:   readme.URL,
		DesignFiles: files,
		CreatedAt:   gh.CreatedAt,
	}, nil
}

// persist writes the records of a completed window. Duplicates from a
// replayed window are skipped.
func (o *Orchestrator) persist(ctx context.Context, res *windowResult, sum *Summary) error {
	for _, repo := range res.repos {
		err := o.cfg.Store.InsertRepo(ctx, repo)
		if errors.Is(err, store.ErrDuplicate) {
			sum.Duplicates++
			itemsSkippedTotal.WithLabelValues("duplicate").Inc()
			o.logger.Debug().Str("repo", repo.URL).Msg("Repository already stored - skipping")
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: repo %s: %v", ErrPersist, repo.URL, err)
		}
		sum.ReposStored++

		if o.cfg.Parser != nil {
			n, err := o.storeItems(ctx, repo)
			sum.Items += n
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) storeItems(ctx context.Context, repo *store.Repo) (int, error) {
	stored := 0
	for _, file := range repo.DesignFiles {
		items, err := o.cfg.Parser.Parse(ctx, file)
		if err != nil {
			if ctx.Err() != nil {
				return stored, ctx.Err()
			}
			o.skip("parse_design", err, file)
			continue
		}

		for i := range items {
			item := items[i]
			item.RepoID = repo.ID
			err := o.cfg.Store.InsertItem(ctx, &item)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return stored, fmt.Errorf("%w: item %s in %s: %v", ErrPersist, item.Reference, file, err)
			}
			stored++
		}
	}
	return stored, nil
}

func (o *Orchestrator) skip(reason string, err error, ref string) {
	o.skipped++
	itemsSkippedTotal.WithLabelValues(reason).Inc()
	o.logger.Warn().Err(err).Str("reason", reason).Str("ref", ref).Msg("Skipping item")
}

// fatal reports whether a lookup error must end the run instead of skipping
// the item. Fetch and decode failures are per item; cancellation and
// pagination anomalies are not.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	_, anomaly := pagination.IsAnomaly(err)
	return anomaly
}
