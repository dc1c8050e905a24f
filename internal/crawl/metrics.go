package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the repository crawl.
var (
	windowsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_crawl_windows_completed_total",
		Help: "Total number of months crawled and checkpointed",
	})

	reposSeenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_crawl_repos_seen_total",
		Help: "Total number of repository search results processed",
	})

	designFilesFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_crawl_design_files_found_total",
		Help: "Total number of design files found",
	})

	coverageLossTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partcrawl_crawl_coverage_loss_total",
		Help: "Total number of months whose results exceed the search enumeration cap",
	})

	itemsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_crawl_items_skipped_total",
		Help: "Total number of skipped items by reason",
	}, []string{"reason"})
)
