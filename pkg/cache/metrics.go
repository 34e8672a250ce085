package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results.
const (
	lookupHit     = "hit"
	lookupMiss    = "miss"
	lookupExpired = "expired"
	lookupInvalid = "invalid"
	lookupError   = "error"
)

// Write results.
const (
	writeStored  = "stored"
	writeSkipped = "skipped"
	writeError   = "error"
)

var (
	// PageLookups counts search page reads by result.
	PageLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrsi_cache_page_lookups_total",
			Help: "Search page cache lookups by result (hit, miss, expired, invalid, error)",
		},
		[]string{"result"},
	)

	// PageWrites counts search page writes and deletions by result.
	PageWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrsi_cache_page_writes_total",
			Help: "Search page cache writes by result (stored, skipped, error)",
		},
		[]string{"result"},
	)

	// PageBytes records the body size of stored search pages.
	PageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hrsi_cache_page_bytes",
			Help:    "Size of search page bodies written to the cache",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)
