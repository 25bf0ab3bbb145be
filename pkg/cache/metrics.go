package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend labels.
const (
	backendSQLite = "sqlite"
	backendRedis  = "redis"
)

var (
	// CacheHits tracks cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_cacher_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"backend"}, // "sqlite", "redis"
	)

	// CacheMisses tracks cache misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_cacher_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"backend"},
	)

	// CacheWrites tracks inserted entries by backend
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_cacher_cache_writes_total",
			Help: "Total number of cache entries written",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_cacher_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"backend", "operation"}, // "lookup", "insert", "open"
	)
)
