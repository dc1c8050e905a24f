package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_checkpoint_saves_total",
		Help: "Total checkpoint saves by kind",
	}, []string{"kind"})

	saveErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_checkpoint_save_errors_total",
		Help: "Total failed checkpoint saves by kind",
	}, []string{"kind"})
)

// Store loads and saves one kind of checkpoint.
type Store[T any] struct {
	backend Backend
	kind    string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewStore creates a store for checkpoints of the given kind. The kind is
// also the backend key.
func NewStore[T any](backend Backend, kind string) *Store[T] {
	return &Store[T]{
		backend: backend,
		kind:    kind,
		now:     time.Now,
		logger:  log.With().Str("component", "checkpoint").Str("kind", kind).Logger(),
	}
}

// NewCrawlStore creates a store for crawl checkpoints.
func NewCrawlStore(backend Backend) *Store[CrawlCheckpoint] {
	return NewStore[CrawlCheckpoint](backend, KindCrawl)
}

// NewCatalogStore creates a store for catalog checkpoints.
func NewCatalogStore(backend Backend) *Store[CatalogCheckpoint] {
	return NewStore[CatalogCheckpoint](backend, KindCatalog)
}

// Kind returns the checkpoint kind.
func (s *Store[T]) Kind() string {
	return s.kind
}

// Load returns the stored checkpoint. It returns nil, nil when nothing is
// stored or the stored bytes cannot be decoded. An envelope of another
// version or kind returns ErrIncompatible.
func (s *Store[T]) Load(ctx context.Context) (*T, error) {
	data, err := s.backend.Read(ctx, s.kind)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info().Msg("No checkpoint found - cold start")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Msg("Checkpoint undecodable - cold start")
		return nil, nil
	}
	if err := env.check(s.kind); err != nil {
		return nil, err
	}

	var state T
	if err := json.Unmarshal(env.Data, &state); err != nil {
		s.logger.Warn().Err(err).Msg("Checkpoint data undecodable - cold start")
		return nil, nil
	}

	s.logger.Info().Time("saved_at", env.SavedAt).Msg("Checkpoint loaded")
	return &state, nil
}

// Save atomically replaces the stored checkpoint.
func (s *Store[T]) Save(ctx context.Context, state *T) error {
	if state == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	env, err := json.Marshal(Envelope{
		Version: CurrentVersion,
		Kind:    s.kind,
		SavedAt: s.now().UTC(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := s.backend.Write(ctx, s.kind, env); err != nil {
		saveErrorsTotal.WithLabelValues(s.kind).Inc()
		return fmt.Errorf("save %s checkpoint: %w", s.kind, err)
	}
	savesTotal.WithLabelValues(s.kind).Inc()

	s.logger.Debug().RawJSON("state", data).Msg("Checkpoint saved")
	return nil
}

// Reset deletes the stored checkpoint so the next run starts from scratch.
func (s *Store[T]) Reset(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.kind); err != nil {
		return fmt.Errorf("reset %s checkpoint: %w", s.kind, err)
	}
	s.logger.Warn().Msg("Checkpoint reset")
	return nil
}
