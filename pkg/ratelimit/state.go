// Package ratelimit implements call-budget governance for rate-limited APIs.
// It tracks the remaining call budget and its reset instant, blocks callers
// until budget is available, and applies a fixed cooldown when the API
// reports abuse detection.
package ratelimit

import (
	"time"
)

// Response headers carrying the budget of header-driven APIs.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
)

// Defaults for governor configuration.
const (
	// DefaultSafetyMargin keeps a few calls in reserve so the API never sees
	// the budget hit zero.
	DefaultSafetyMargin = 10

	// DefaultPollInterval is how long the governor sleeps between status checks
	// while waiting for a reset.
	DefaultPollInterval = 60 * time.Second

	// DefaultGrace is added to the reset instant before calls resume.
	DefaultGrace = 5 * time.Second
)

// Budget represents the call budget of the current rate limit window.
type Budget struct {
	// Remaining is the number of calls left before the window resets.
	Remaining int `json:"remaining"`

	// Limit is the size of a full window, used to replenish Remaining.
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the budget was last refreshed from the API or reset.
	LastUpdate time.Time `json:"last_update"`
}

// BelowMargin returns true if fewer than margin calls remain.
func (b *Budget) BelowMargin(margin int) bool {
	return b.Remaining < margin
}

// TimeUntilReset returns the duration from now until the window resets.
// Returns 0 if the reset time has already passed.
func (b *Budget) TimeUntilReset(now time.Time) time.Duration {
	d := b.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// consume takes one call from the budget.
func (b *Budget) consume() {
	if b.Remaining > 0 {
		b.Remaining--
	}
}
