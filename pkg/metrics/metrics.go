// Package metrics provides the Prometheus registry and HTTP exposition for
// partcrawl. All metrics are defined in their respective packages with
// promauto to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by partcrawl.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics on a listener until its context ends.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve handles requests until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr()).Msg("Metrics server listening")
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Rate Budget Metrics (pkg/ratelimit):
//   - partcrawl_rate_budget_remaining (Gauge): Calls remaining in the current window
//   - partcrawl_rate_limit_waits_total (Counter): Times a caller blocked for a reset
//   - partcrawl_rate_limit_wait_seconds (Histogram): Time blocked waiting for a reset
//   - partcrawl_abuse_triggers_total (Counter): Abuse detection signals received
//
// Request Metrics (pkg/client):
//   - partcrawl_http_requests_total{host, status} (Counter): Requests by host and HTTP status
//   - partcrawl_http_request_duration_seconds{host} (Histogram): Request duration by host
//   - partcrawl_http_errors_total{class} (Counter): Errors by class
//   - partcrawl_http_retries_total{error_class} (Counter): Retry attempts by error class
//   - partcrawl_http_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - partcrawl_http_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Cache Metrics (pkg/cache):
//   - partcrawl_cache_hits_total (Counter): Lookup cache hits
//   - partcrawl_cache_misses_total (Counter): Lookup cache misses
//   - partcrawl_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pagination and Checkpoint Metrics (pkg/pagination, pkg/checkpoint):
//   - partcrawl_pages_fetched_total (Counter): Pages fetched and validated
//   - partcrawl_pagination_anomalies_total{kind} (Counter): Loops and offset regressions
//   - partcrawl_checkpoint_saves_total{kind} (Counter): Checkpoint saves
//   - partcrawl_checkpoint_save_errors_total{kind} (Counter): Failed checkpoint saves
//
// Job Metrics (internal/crawl, internal/catalog, internal/match):
//   - partcrawl_crawl_windows_completed_total (Counter): Windows fully crawled
//   - partcrawl_crawl_repos_seen_total (Counter): Search results processed
//   - partcrawl_crawl_design_files_found_total (Counter): Repositories with design files
//   - partcrawl_crawl_coverage_loss_total (Counter): Windows at the search result cap
//   - partcrawl_crawl_items_skipped_total{reason} (Counter): Skipped results
//   - partcrawl_catalog_parts_total{outcome} (Counter): Catalog parts inserted or skipped
//   - partcrawl_match_results_total{outcome} (Counter): Match outcomes
//
// Example Prometheus Queries:
//
//   # Time spent waiting for rate limit resets
//   rate(partcrawl_rate_limit_wait_seconds_sum[1h])
//
//   # Abuse signals per hour
//   increase(partcrawl_abuse_triggers_total[1h])
//
//   # Lookup cache hit rate
//   sum(rate(partcrawl_cache_hits_total[5m])) /
//   (sum(rate(partcrawl_cache_hits_total[5m])) + sum(rate(partcrawl_cache_misses_total[5m])))
//
//   # Match rate
//   sum(partcrawl_match_results_total{outcome="matched"}) / sum(partcrawl_match_results_total)
