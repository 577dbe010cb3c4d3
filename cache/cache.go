// Package cache provides a thin Redis-backed read-through cache for
// persistence.Adapter's position-snapshot reads.
package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// CacheStats is a snapshot of cache hit/miss/latency counters.
type CacheStats struct {
	Hits       int64
	Misses     int64
	Sets       int64
	Deletes    int64
	Size       int64
	HitRate    float64
	AvgGetTime time.Duration
	AvgSetTime time.Duration
}
