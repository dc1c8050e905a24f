package ratelimit

import (
	"bytes"
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultAbuseCooldown is the fixed pause after an abuse signal.
const DefaultAbuseCooldown = 300 * time.Second

// DefaultAbuseMarkers are error body fragments that identify abuse detection.
var DefaultAbuseMarkers = []string{
	"You have triggered an abuse detection mechanism",
	"secondary rate limit",
}

var abuseTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "partcrawl_abuse_triggers_total",
	Help: "Total number of abuse detection signals received",
})

// AbuseState records abuse detection history for one run.
type AbuseState struct {
	// CooldownUntil is the end of the current or last cooldown (zero if none).
	CooldownUntil time.Time `json:"cooldown_until"`

	// TriggerCount is the number of abuse signals received.
	TriggerCount int `json:"trigger_count"`
}

// AbuseBackoff imposes a fixed cooldown whenever the API signals abuse
// detection. It is independent of the Governor budget.
type AbuseBackoff struct {
	state    AbuseState
	cooldown time.Duration
	markers  [][]byte
	clock    Clock
	logger   zerolog.Logger
}

// NewAbuseBackoff creates a backoff. Zero cooldown or nil markers select defaults.
func NewAbuseBackoff(cooldown time.Duration, markers []string, clock Clock, logger zerolog.Logger) *AbuseBackoff {
	if cooldown <= 0 {
		cooldown = DefaultAbuseCooldown
	}
	if markers == nil {
		markers = DefaultAbuseMarkers
	}
	if clock == nil {
		clock = SystemClock()
	}

	lowered := make([][]byte, 0, len(markers))
	for _, m := range markers {
		if m == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(m)))
	}

	return &AbuseBackoff{
		cooldown: cooldown,
		markers:  lowered,
		clock:    clock,
		logger:   logger,
	}
}

// Matches returns true if an error body carries an abuse marker.
func (b *AbuseBackoff) Matches(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range b.markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// OnAbuseSignal counts the signal and sleeps the fixed cooldown.
// The caller retries afterwards. The only error returned is ctx.Err().
func (b *AbuseBackoff) OnAbuseSignal(ctx context.Context) error {
	b.state.TriggerCount++
	b.state.CooldownUntil = b.clock.Now().Add(b.cooldown)
	abuseTriggersTotal.Inc()

	b.logger.Warn().
		Int("abuse_count", b.state.TriggerCount).
		Time("cooldown_until", b.state.CooldownUntil).
		Msg("Abuse detection triggered - cooling down")

	return b.clock.Sleep(ctx, b.cooldown)
}

// State returns a copy of the abuse state.
func (b *AbuseBackoff) State() AbuseState {
	return b.state
}
