package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for budget governance.
var (
	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partcrawl_rate_budget_remaining",
		Help: "Calls remaining in the current rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_rate_limit_waits_total",
		Help: "Total number of times a caller blocked waiting for a budget reset",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "partcrawl_rate_limit_wait_seconds",
		Help:    "Time spent blocked waiting for a budget reset",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 86400},
	})
)

// Config holds governor configuration.
type Config struct {
	// SafetyMargin blocks calls once fewer than this many calls remain.
	SafetyMargin int

	// Limit is the assumed window size until the API reports one.
	Limit int

	// PollInterval is the sleep between status log lines while waiting.
	PollInterval time.Duration

	// Grace is added to the reset instant before calls resume.
	Grace time.Duration

	// Schedule, when set, computes reset instants locally instead of
	// relying on response headers.
	Schedule Schedule
}

// DefaultConfig returns a configuration suitable for header-driven APIs.
func DefaultConfig() Config {
	return Config{
		SafetyMargin: DefaultSafetyMargin,
		Limit:        5000,
		PollInterval: DefaultPollInterval,
		Grace:        DefaultGrace,
	}
}

// Governor tracks the call budget and gates external calls.
// A Governor is not safe for concurrent use; all calls are serialized.
type Governor struct {
	cfg    Config
	budget Budget
	clock  Clock
	logger zerolog.Logger
	status func(e *zerolog.Event)
}

// NewGovernor creates a governor with a full budget.
func NewGovernor(cfg Config, clock Clock, logger zerolog.Logger) *Governor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if clock == nil {
		clock = SystemClock()
	}

	now := clock.Now()
	budget := Budget{
		Remaining:  cfg.Limit,
		Limit:      cfg.Limit,
		ResetAt:    now,
		LastUpdate: now,
	}
	if cfg.Schedule != nil {
		budget.ResetAt = cfg.Schedule.Next(now)
	}
	budgetRemaining.Set(float64(budget.Remaining))

	return &Governor{
		cfg:    cfg,
		budget: budget,
		clock:  clock,
		logger: logger,
	}
}

// SetStatusHook registers a function that adds progress fields to the log
// line emitted on every wake while waiting for a reset.
func (g *Governor) SetStatusHook(fn func(e *zerolog.Event)) {
	g.status = fn
}

// Budget returns a copy of the current budget.
func (g *Governor) Budget() Budget {
	return g.budget
}

// CheckAndWait blocks until the budget allows another call.
// It returns immediately when at least SafetyMargin calls remain. Otherwise it
// sleeps until the reset instant plus grace has passed, then replenishes the
// budget. The only error returned is ctx.Err() when ctx is cancelled.
func (g *Governor) CheckAndWait(ctx context.Context) error {
	if !g.budget.BelowMargin(g.cfg.SafetyMargin) {
		return nil
	}

	start := g.clock.Now()
	until := g.budget.ResetAt.Add(g.cfg.Grace)
	rateLimitWaitsTotal.Inc()

	g.logger.Warn().
		Int("remaining", g.budget.Remaining).
		Int("safety_margin", g.cfg.SafetyMargin).
		Time("resume_at", until).
		Dur("until_reset", g.budget.TimeUntilReset(start)).
		Msg("Rate budget below safety margin - pausing until reset")

	now := start
	for now.Before(until) {
		event := g.logger.Info().
			Time("now", now).
			Time("resume_at", until).
			Dur("until_reset", g.budget.TimeUntilReset(now)).
			Dur("remaining_wait", until.Sub(now))
		if g.status != nil {
			g.status(event)
		}
		event.Msg("Sleeping due to rate limit")

		wait := g.cfg.PollInterval
		if left := until.Sub(now); left < wait {
			wait = left
		}
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		now = g.clock.Now()
	}

	g.refresh(now)
	rateLimitWaitSeconds.Observe(now.Sub(start).Seconds())

	g.logger.Info().
		Int("remaining", g.budget.Remaining).
		Time("next_reset", g.budget.ResetAt).
		Msg("Rate budget replenished")

	return nil
}

// Consume takes one call from the budget. Call once per external request.
func (g *Governor) Consume() {
	g.budget.consume()
	budgetRemaining.Set(float64(g.budget.Remaining))
}

// ForceExhausted marks the budget as exhausted regardless of the local
// counter. Used when the API reports the limit was hit.
func (g *Governor) ForceExhausted() {
	g.logger.Warn().
		Int("local_remaining", g.budget.Remaining).
		Time("reset_at", g.budget.ResetAt).
		Msg("API reported rate limit exhaustion - forcing budget to zero")

	g.budget.Remaining = 0
	if g.cfg.Schedule == nil && !g.budget.ResetAt.After(g.clock.Now()) {
		// Without a known reset instant, wait at least one poll interval.
		g.budget.ResetAt = g.clock.Now().Add(g.cfg.PollInterval)
	}
	budgetRemaining.Set(0)
}

// UpdateFromHeaders refreshes the budget from rate limit response headers.
// Responses without headers leave the budget untouched.
func (g *Governor) UpdateFromHeaders(headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
		g.budget.Limit = limit
	}

	g.budget.Remaining = remain
	g.budget.ResetAt = time.Unix(resetEpoch, 0)
	g.budget.LastUpdate = g.clock.Now()
	budgetRemaining.Set(float64(remain))

	g.logger.Debug().
		Int("remaining", remain).
		Int("limit", g.budget.Limit).
		Time("reset_at", g.budget.ResetAt).
		Msg("Rate budget updated from headers")

	return nil
}

// refresh replenishes the budget after a reset.
func (g *Governor) refresh(now time.Time) {
	g.budget.Remaining = g.budget.Limit
	g.budget.LastUpdate = now
	if g.cfg.Schedule != nil {
		g.budget.ResetAt = g.cfg.Schedule.Next(now)
	}
	budgetRemaining.Set(float64(g.budget.Remaining))
}
