package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookup cache hits per lookup kind.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcrawl_cache_hits_total",
			Help: "Total number of lookup cache hits",
		},
		[]string{"kind"},
	)

	// CacheMisses counts lookup cache misses per lookup kind.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcrawl_cache_misses_total",
			Help: "Total number of lookup cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors counts failed Redis operations.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcrawl_cache_errors_total",
			Help: "Total number of lookup cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
