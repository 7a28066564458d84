package service

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// slowLookup marks a lookup worth counting as slow
const slowLookup = 100 * time.Millisecond

// PerformanceMonitor tracks single-wallet lookup latency, split by whether the
// answer came from the cache or had to be computed.
type PerformanceMonitor struct {
	mu            sync.RWMutex
	cachedTimes   []time.Duration
	computedTimes []time.Duration
	cacheHits     int64
	cacheMisses   int64
	slowLookups   int64
	totalLookups  int64
	maxSamples    int
}

// NewPerformanceMonitor creates a monitor keeping the last 1000 samples per kind
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		cachedTimes:   make([]time.Duration, 0, 1000),
		computedTimes: make([]time.Duration, 0, 1000),
		maxSamples:    1000,
	}
}

// RecordLookup records one lookup's duration
func (pm *PerformanceMonitor) RecordLookup(duration time.Duration, cached bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalLookups++
	if cached {
		pm.cacheHits++
		pm.cachedTimes = appendBounded(pm.cachedTimes, duration, pm.maxSamples)
	} else {
		pm.cacheMisses++
		pm.computedTimes = appendBounded(pm.computedTimes, duration, pm.maxSamples)
	}

	if duration > slowLookup {
		pm.slowLookups++
	}
}

func appendBounded(samples []time.Duration, d time.Duration, max int) []time.Duration {
	samples = append(samples, d)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

// GetStats returns current lookup statistics
func (pm *PerformanceMonitor) GetStats() *PerformanceStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PerformanceStats{
		TotalLookups: pm.totalLookups,
		CacheHits:    pm.cacheHits,
		CacheMisses:  pm.cacheMisses,
		SlowLookups:  pm.slowLookups,
	}
	if pm.totalLookups > 0 {
		stats.CacheHitRate = float64(pm.cacheHits) / float64(pm.totalLookups) * 100
	}
	stats.AvgCachedMs = averageMs(pm.cachedTimes)
	stats.AvgComputedMs = averageMs(pm.computedTimes)

	if len(pm.computedTimes) > 0 {
		sorted := append([]time.Duration(nil), pm.computedTimes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		p95Index := int(float64(len(sorted)) * 0.95)
		p99Index := int(float64(len(sorted)) * 0.99)
		if p95Index < len(sorted) {
			stats.P95ComputedMs = float64(sorted[p95Index].Milliseconds())
		}
		if p99Index < len(sorted) {
			stats.P99ComputedMs = float64(sorted[p99Index].Milliseconds())
		}
	}

	return stats
}

func averageMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(samples))
}

// Reset clears all samples and counters
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.cachedTimes = make([]time.Duration, 0, 1000)
	pm.computedTimes = make([]time.Duration, 0, 1000)
	pm.cacheHits = 0
	pm.cacheMisses = 0
	pm.slowLookups = 0
	pm.totalLookups = 0
}

// CheckPerformance reports whether cached lookups stay under 100ms
func (pm *PerformanceMonitor) CheckPerformance() *PerformanceCheck {
	stats := pm.GetStats()

	check := &PerformanceCheck{
		Passed: true,
		Issues: make([]string, 0),
	}

	if stats.AvgCachedMs > float64(slowLookup.Milliseconds()) {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("Average cached lookup time (%.2fms) exceeds 100ms threshold", stats.AvgCachedMs))
	}

	// a low hit rate is advisory only
	if stats.CacheHitRate < 70 && stats.TotalLookups > 100 {
		check.Issues = append(check.Issues,
			fmt.Sprintf("Cache hit rate (%.2f%%) is below 70%% - consider raising CACHE_TTL", stats.CacheHitRate))
	}

	return check
}

// PerformanceStats contains lookup statistics
type PerformanceStats struct {
	TotalLookups  int64   `json:"total_lookups"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	SlowLookups   int64   `json:"slow_lookups"`
	CacheHitRate  float64 `json:"cache_hit_rate"` // percentage
	AvgCachedMs   float64 `json:"avg_cached_ms"`
	AvgComputedMs float64 `json:"avg_computed_ms"`
	P95ComputedMs float64 `json:"p95_computed_ms"`
	P99ComputedMs float64 `json:"p99_computed_ms"`
}

// PerformanceCheck contains performance check results
type PerformanceCheck struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}
