package ratelimit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/pcbsearch/partcrawl/internal/testutil"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(testStart)
	return NewGovernor(cfg, clock, zerolog.Nop()), clock
}

func TestGovernor_CheckAndWait_ReturnsImmediatelyAboveMargin(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
	}{
		{name: "at margin", remaining: 10},
		{name: "full budget", remaining: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clock := newTestGovernor(t, DefaultConfig())
			g.budget.Remaining = tt.remaining
			g.budget.ResetAt = testStart.Add(time.Hour)

			if err := g.CheckAndWait(context.Background()); err != nil {
				t.Fatalf("CheckAndWait() error = %v", err)
			}
			if slept := clock.Slept(); slept != 0 {
				t.Errorf("CheckAndWait() slept %v, want 0", slept)
			}
			if g.Budget().Remaining != tt.remaining {
				t.Errorf("Remaining = %d, want %d", g.Budget().Remaining, tt.remaining)
			}
		})
	}
}

func TestGovernor_CheckAndWait_BlocksUntilReset(t *testing.T) {
	tests := []struct {
		name    string
		resetIn time.Duration
	}{
		{name: "reset in 30 seconds", resetIn: 30 * time.Second},
		{name: "reset in 61 minutes", resetIn: 61 * time.Minute},
		{name: "reset already passed", resetIn: -time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clock := newTestGovernor(t, DefaultConfig())
			resetAt := testStart.Add(tt.resetIn)
			g.budget.Remaining = 3
			g.budget.Limit = 5000
			g.budget.ResetAt = resetAt

			if err := g.CheckAndWait(context.Background()); err != nil {
				t.Fatalf("CheckAndWait() error = %v", err)
			}

			now := clock.Now()
			if now.Before(resetAt) {
				t.Errorf("CheckAndWait() returned at %v, before reset %v", now, resetAt)
			}
			if now.Before(resetAt.Add(DefaultGrace)) {
				t.Errorf("CheckAndWait() returned at %v, before reset+grace", now)
			}
			for _, d := range clock.Sleeps() {
				if d > DefaultPollInterval {
					t.Errorf("slept %v in one interval, want at most %v", d, DefaultPollInterval)
				}
			}
			if g.Budget().Remaining != 5000 {
				t.Errorf("Remaining after reset = %d, want 5000", g.Budget().Remaining)
			}
		})
	}
}

func TestGovernor_CheckAndWait_ContextCancelled(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultConfig())
	g.budget.Remaining = 0
	g.budget.ResetAt = testStart.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.CheckAndWait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAndWait() error = %v, want context.Canceled", err)
	}
	if g.Budget().Remaining != 0 {
		t.Errorf("Remaining = %d, want budget untouched after abort", g.Budget().Remaining)
	}
}

func TestGovernor_StatusHookCalledOnEveryWake(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultConfig())
	g.budget.Remaining = 0
	g.budget.ResetAt = testStart.Add(150 * time.Second)

	calls := 0
	g.SetStatusHook(func(e *zerolog.Event) {
		calls++
		e.Str("window", "2020-04")
	})

	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatalf("CheckAndWait() error = %v", err)
	}
	// 155s of waiting in 60s intervals: 60, 60, 35.
	if calls != 3 {
		t.Errorf("status hook called %d times, want 3", calls)
	}
}

func TestGovernor_WaitLogsTimeUntilReset(t *testing.T) {
	var buf bytes.Buffer
	clock := testutil.NewFakeClock(testStart)
	g := NewGovernor(DefaultConfig(), clock, zerolog.New(&buf))
	g.budget.Remaining = 0
	g.budget.ResetAt = testStart.Add(150 * time.Second)

	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatalf("CheckAndWait() error = %v", err)
	}

	var got []float64
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		if v, ok := line["until_reset"].(float64); ok {
			got = append(got, v)
		}
	}

	// Pause line, then one line per wake at 0s, 60s and 120s (milliseconds).
	want := []float64{150000, 150000, 90000, 30000}
	if len(got) != len(want) {
		t.Fatalf("until_reset values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("until_reset[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGovernor_ConsumeAndForceExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limit = 12
	g, clock := newTestGovernor(t, cfg)

	g.Consume()
	g.Consume()
	if got := g.Budget().Remaining; got != 10 {
		t.Fatalf("Remaining after two calls = %d, want 10", got)
	}

	// Still at the margin: no wait.
	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clock.Slept() != 0 {
		t.Errorf("unexpected wait at margin")
	}

	g.ForceExhausted()
	if got := g.Budget().Remaining; got != 0 {
		t.Fatalf("Remaining after ForceExhausted = %d, want 0", got)
	}
	if !g.Budget().ResetAt.After(clock.Now()) {
		t.Errorf("ForceExhausted without known reset should push ResetAt into the future")
	}

	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clock.Slept() == 0 {
		t.Errorf("CheckAndWait() after ForceExhausted did not block")
	}
	if got := g.Budget().Remaining; got != 12 {
		t.Errorf("Remaining after reset = %d, want 12", got)
	}
}

func TestGovernor_UpdateFromHeaders(t *testing.T) {
	reset := testStart.Add(30 * time.Minute).Unix()

	tests := []struct {
		name          string
		headers       map[string]string
		wantErr       bool
		wantRemaining int
		wantLimit     int
	}{
		{
			name: "full headers",
			headers: map[string]string{
				HeaderRemaining: "4321",
				HeaderLimit:     "5000",
				HeaderReset:     strconv.FormatInt(reset, 10),
			},
			wantRemaining: 4321,
			wantLimit:     5000,
		},
		{
			name: "search api limit",
			headers: map[string]string{
				HeaderRemaining: "7",
				HeaderLimit:     "30",
				HeaderReset:     strconv.FormatInt(reset, 10),
			},
			wantRemaining: 7,
			wantLimit:     30,
		},
		{
			name:          "no headers leaves budget untouched",
			headers:       map[string]string{},
			wantRemaining: 5000,
			wantLimit:     5000,
		},
		{
			name: "invalid remaining",
			headers: map[string]string{
				HeaderRemaining: "lots",
				HeaderReset:     strconv.FormatInt(reset, 10),
			},
			wantErr:       true,
			wantRemaining: 5000,
			wantLimit:     5000,
		},
		{
			name: "missing reset",
			headers: map[string]string{
				HeaderRemaining: "10",
			},
			wantErr:       true,
			wantRemaining: 5000,
			wantLimit:     5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGovernor(t, DefaultConfig())
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			err := g.UpdateFromHeaders(h)
			if tt.wantErr && err == nil {
				t.Error("UpdateFromHeaders() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("UpdateFromHeaders() unexpected error: %v", err)
			}

			b := g.Budget()
			if b.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", b.Remaining, tt.wantRemaining)
			}
			if b.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", b.Limit, tt.wantLimit)
			}
			if !tt.wantErr && len(tt.headers) > 0 && b.ResetAt.Unix() != reset {
				t.Errorf("ResetAt = %v, want %v", b.ResetAt.Unix(), reset)
			}
		})
	}
}

func TestGovernor_ScheduleMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limit = 1000
	cfg.Schedule = DailySchedule{Hour: 0, Location: time.UTC}
	g, clock := newTestGovernor(t, cfg)

	firstReset := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	if !g.Budget().ResetAt.Equal(firstReset) {
		t.Fatalf("initial ResetAt = %v, want %v", g.Budget().ResetAt, firstReset)
	}

	for i := 0; i < 991; i++ {
		g.Consume()
	}
	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}

	if clock.Now().Before(firstReset) {
		t.Errorf("returned at %v, before daily reset %v", clock.Now(), firstReset)
	}
	if g.Budget().Remaining != 1000 {
		t.Errorf("Remaining = %d, want 1000", g.Budget().Remaining)
	}
	wantNext := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	if !g.Budget().ResetAt.Equal(wantNext) {
		t.Errorf("next ResetAt = %v, want %v", g.Budget().ResetAt, wantNext)
	}
}
