package client

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{name: "client error should not retry", errorClass: ErrorClassClient, expected: false},
		{name: "server error should retry", errorClass: ErrorClassServer, expected: true},
		{name: "network error should retry", errorClass: ErrorClassNetwork, expected: true},
		{name: "rate limit uses governor", errorClass: ErrorClassRateLimit, expected: false},
		{name: "abuse uses cooldown", errorClass: ErrorClassAbuse, expected: false},
		{name: "empty error class should not retry", errorClass: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name:     "status and body",
			err:      &FetchError{URL: "https://x/y", StatusCode: 404, Class: ErrorClassClient, Body: []byte("Not Found")},
			expected: "fetch https://x/y: client error (status 404): Not Found",
		},
		{
			name:     "network error",
			err:      &FetchError{URL: "https://x/y", Class: ErrorClassNetwork, Err: errors.New("connection refused")},
			expected: "fetch https://x/y: network error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_LongBodyTruncated(t *testing.T) {
	err := &FetchError{URL: "u", StatusCode: 500, Class: ErrorClassServer, Body: []byte(strings.Repeat("x", 500))}
	if len(err.Error()) > 300 {
		t.Errorf("Error() length = %d, want truncated", len(err.Error()))
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	err := &FetchError{URL: "u", Class: ErrorClassServer, Err: fmt.Errorf("%w after 3 attempts", ErrRetryExhausted)}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("errors.Is(err, ErrRetryExhausted) = false")
	}

	wrapped := fmt.Errorf("page: %w", err)
	var fe *FetchError
	if !errors.As(wrapped, &fe) {
		t.Error("errors.As should find *FetchError")
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{name: "server error config", errorClass: ErrorClassServer, expectedInitial: 1 * time.Second, expectedMax: 10 * time.Second},
		{name: "network error config", errorClass: ErrorClassNetwork, expectedInitial: 2 * time.Second, expectedMax: 30 * time.Second},
		{name: "unknown error class uses default", errorClass: "", expectedInitial: 1 * time.Second, expectedMax: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.errorClass)
			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
			if config.MaxAttempts != 3 {
				t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
			}
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		retry int
		base  time.Duration
	}{
		{retry: 1, base: 1 * time.Second},
		{retry: 2, base: 2 * time.Second},
		{retry: 3, base: 4 * time.Second},
		{retry: 4, base: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry %d", tt.retry), func(t *testing.T) {
			got := config.backoff(tt.retry)
			low := time.Duration(float64(tt.base) * 0.8)
			high := time.Duration(float64(tt.base) * 1.2)
			if got < low || got > high {
				t.Errorf("backoff(%d) = %v, want within [%v, %v]", tt.retry, got, low, high)
			}
		})
	}
}
