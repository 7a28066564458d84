package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
)

// CacheStats is a point-in-time view of cache counters
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Errors        int64 `json:"errors"`
	Invalidations int64 `json:"invalidations"`
}

// InstrumentedCache counts hits and misses and downgrades backend failures
// to misses so callers can always recompute.
type InstrumentedCache struct {
	inner  ResultCache
	logger *logging.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	errors        atomic.Int64
	invalidations atomic.Int64
}

// NewInstrumentedCache wraps inner
func NewInstrumentedCache(inner ResultCache, logger *logging.Logger) *InstrumentedCache {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &InstrumentedCache{inner: inner, logger: logger.WithComponent("cache")}
}

// Get reads through to the inner cache. Backend errors are logged and reported as a miss.
func (c *InstrumentedCache) Get(ctx context.Context, address string) (*CacheEntry, bool, error) {
	entry, ok, err := c.inner.Get(ctx, address)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.logger.WithError(err).WithField("address", address).Warn("cache read failed")
		return nil, false, nil
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok, nil
}

// Set writes through; failures are logged and swallowed
func (c *InstrumentedCache) Set(ctx context.Context, snapshot *models.WalletSnapshot) error {
	if err := c.inner.Set(ctx, snapshot); err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("address", snapshot.Address).Warn("cache write failed")
	}
	return nil
}

// SetMany writes through; failures are logged and swallowed
func (c *InstrumentedCache) SetMany(ctx context.Context, snapshots []*models.WalletSnapshot) error {
	if err := c.inner.SetMany(ctx, snapshots); err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("count", len(snapshots)).Warn("cache batch write failed")
	}
	return nil
}

// Invalidate removes entries; failures are logged and swallowed
func (c *InstrumentedCache) Invalidate(ctx context.Context, addresses ...string) error {
	if err := c.inner.Invalidate(ctx, addresses...); err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("count", len(addresses)).Warn("cache invalidation failed")
		return nil
	}
	c.invalidations.Add(int64(len(addresses)))
	return nil
}

// TTL returns the inner cache TTL
func (c *InstrumentedCache) TTL() time.Duration {
	return c.inner.TTL()
}

// Purge drops expired entries when the inner cache needs explicit purging.
// Redis expires keys itself, so it reports 0 there.
func (c *InstrumentedCache) Purge() int {
	if p, ok := c.inner.(Purger); ok {
		return p.Purge()
	}
	return 0
}

// Stats returns the current counters
func (c *InstrumentedCache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Errors:        c.errors.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
