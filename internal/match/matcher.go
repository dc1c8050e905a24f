// Package match associates ingested design items with catalog parts by
// edit distance between the item value and the part MPN.
package match

import (
	"context"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Match outcomes, used as metric labels.
const (
	OutcomeMatched     = "matched"
	OutcomeNoCandidate = "no_candidate"
	OutcomeExcluded    = "excluded"
	OutcomeFailed      = "failed"
)

var matchResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "partcrawl_match_results_total",
	Help: "Total items processed by the matcher by outcome",
}, []string{"outcome"})

// Candidate is a part considered for an item.
type Candidate struct {
	PartID   string
	Key      string
	Distance int
}

// Best picks the part whose MPN is closest to value. Parts whose MPN does not
// contain value (case-insensitively) are ignored. On equal distance the
// earlier part wins. It returns false when no part qualifies.
func Best(value string, parts []store.Part) (Candidate, bool) {
	needle := store.FoldKey(value)

	var best Candidate
	found := false
	for _, p := range parts {
		if !strings.Contains(store.FoldKey(p.MPN), needle) {
			continue
		}
		d := levenshtein.Distance(value, p.MPN, nil)
		if !found || d < best.Distance {
			best = Candidate{PartID: p.ID, Key: p.MPN, Distance: d}
			found = true
		}
	}
	return best, found
}

// Store is the part of the record store the matcher uses.
type Store interface {
	UnmatchedItems(ctx context.Context) ([]store.Item, error)
	PartsMatching(ctx context.Context, value string) ([]store.Part, error)
	AssignPart(ctx context.Context, itemID, partID string) error
}

// Summary counts the outcomes of one matcher run.
type Summary struct {
	Examined    int
	Excluded    int
	Matched     int
	NoCandidate int
	Failed      int
}

// Matcher runs the reconciliation pass.
type Matcher struct {
	store  Store
	filter *Filter
	stop   *stop.Token
	logger zerolog.Logger
}

// New creates a matcher. A nil token never stops early.
func New(s Store, filter *Filter, token *stop.Token) *Matcher {
	return &Matcher{
		store:  s,
		filter: filter,
		stop:   token,
		logger: log.With().Str("component", "matcher").Logger(),
	}
}

// Run matches every item that has no part yet. Failures for a single item
// are logged and counted; only listing the items, a cancelled context or a
// stop request end the run early.
func (m *Matcher) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	items, err := m.store.UnmatchedItems(ctx)
	if err != nil {
		return sum, err
	}

	m.logger.Info().Int("items", len(items)).Msg("Matching items against parts catalog")

	for _, item := range items {
		if m.stop.Requested() {
			m.logSummary(sum, "Matcher stopped on request")
			return sum, stop.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		sum.Examined++
		outcome := m.matchItem(ctx, item)
		matchResultsTotal.WithLabelValues(outcome).Inc()

		switch outcome {
		case OutcomeExcluded:
			sum.Excluded++
		case OutcomeMatched:
			sum.Matched++
		case OutcomeNoCandidate:
			sum.NoCandidate++
		case OutcomeFailed:
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Failed++
		}
	}

	m.logSummary(sum, "Matching complete")
	return sum, nil
}

func (m *Matcher) matchItem(ctx context.Context, item store.Item) string {
	if excluded, reason := m.filter.Excluded(item); excluded {
		m.logger.Debug().
			Str("reference", item.Reference).
			Str("value", item.Value).
			Str("reason", reason).
			Msg("Item excluded by noise rules")
		return OutcomeExcluded
	}

	parts, err := m.store.PartsMatching(ctx, item.Value)
	if err != nil {
		m.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load candidate parts - skipping item")
		return OutcomeFailed
	}

	best, ok := Best(item.Value, parts)
	if !ok {
		return OutcomeNoCandidate
	}

	if err := m.store.AssignPart(ctx, item.ID, best.PartID); err != nil {
		m.logger.Error().Err(err).
			Str("item_id", item.ID).
			Str("part_id", best.PartID).
			Msg("Failed to persist part association - skipping item")
		return OutcomeFailed
	}

	m.logger.Debug().
		Str("value", item.Value).
		Str("mpn", best.Key).
		Int("distance", best.Distance).
		Msg("Item matched")
	return OutcomeMatched
}

func (m *Matcher) logSummary(sum Summary, msg string) {
	m.logger.Info().
		Int("examined", sum.Examined).
		Int("matched", sum.Matched).
		Int("no_candidate", sum.NoCandidate).
		Int("excluded", sum.Excluded).
		Int("failed", sum.Failed).
		Msg(msg)
}
