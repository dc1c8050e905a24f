// Package testutil provides testing utilities for partcrawl packages.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockAPI is a configurable mock API server for testing. Handlers are looked
// up by the full request URI (path plus query) first, then by path alone.
type MockAPI struct {
	server    *httptest.Server
	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse

	// Tracking
	requests          []string
	lastRequestHeader http.Header
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, r.URL.RequestURI())
		mock.lastRequestHeader = r.Header.Clone()
		handler := mock.lookup(r)
		mock.mu.Unlock()

		if handler == nil {
			writeResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"message":"Not Found"}`})
			return
		}
		handler(w, r)
	}))

	return mock
}

// lookup resolves the handler for r. Caller holds mu.
func (m *MockAPI) lookup(r *http.Request) http.HandlerFunc {
	for _, key := range []string{r.URL.RequestURI(), r.URL.Path} {
		if seq, ok := m.sequences[key]; ok && len(seq) > 0 {
			resp := seq[0]
			if len(seq) > 1 {
				m.sequences[key] = seq[1:]
			}
			return func(w http.ResponseWriter, _ *http.Request) { writeResponse(w, resp) }
		}
		if h, ok := m.handlers[key]; ok {
			return h
		}
	}
	return nil
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path or request URI.
func (m *MockAPI) SetHandler(pattern string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pattern] = handler
}

// SetResponse configures a fixed response for a path or request URI.
func (m *MockAPI) SetResponse(pattern string, resp MockResponse) {
	m.SetHandler(pattern, func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves the responses in order; the last one repeats.
func (m *MockAPI) SetSequence(pattern string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[pattern] = append([]MockResponse(nil), resps...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns the request URIs received, in order.
func (m *MockAPI) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockAPI) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHeader
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a 200 response with rate limit headers reporting
// remaining calls until resetEpoch.
func NewOKResponse(body string, remaining int, resetEpoch int64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    RateLimitHeaders(remaining, 5000, resetEpoch),
	}
}

// NewAbuseResponse creates a 403 abuse detection response.
func NewAbuseResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message":"You have triggered an abuse detection mechanism. Please wait a few minutes before you try again."}`,
	}
}

// NewRateLimitResponse creates a 403 rate limit exceeded response.
func NewRateLimitResponse(resetEpoch int64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message":"API rate limit exceeded for user."}`,
		Headers:    RateLimitHeaders(0, 5000, resetEpoch),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Internal server error"}`,
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message":"Not Found"}`,
	}
}

// RateLimitHeaders builds X-RateLimit-* headers.
func RateLimitHeaders(remaining, limit int, resetEpoch int64) map[string]string {
	return map[string]string{
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Limit":     strconv.Itoa(limit),
		"X-RateLimit-Reset":     strconv.FormatInt(resetEpoch, 10),
	}
}
