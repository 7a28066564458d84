package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wallet-cluster-engine/internal/models"
)

// MemoryResultCache is an in-process TTL map used when Redis is not configured
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryResultCache creates an in-process result cache
func NewMemoryResultCache(ttl time.Duration) *MemoryResultCache {
	return &MemoryResultCache{
		entries: make(map[string]*CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the live entry for address, dropping it if expired
func (c *MemoryResultCache) Get(_ context.Context, address string) (*CacheEntry, bool, error) {
	key := strings.ToLower(address)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !c.now().Before(entry.ExpiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	cp := *entry
	return &cp, true, nil
}

// Set stores snapshot; the last writer wins
func (c *MemoryResultCache) Set(_ context.Context, snapshot *models.WalletSnapshot) error {
	now := c.now().UTC()
	entry := &CacheEntry{Snapshot: snapshot, CachedAt: now, ExpiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	c.entries[strings.ToLower(snapshot.Address)] = entry
	c.mu.Unlock()
	return nil
}

// SetMany stores every snapshot under one lock
func (c *MemoryResultCache) SetMany(_ context.Context, snapshots []*models.WalletSnapshot) error {
	now := c.now().UTC()

	c.mu.Lock()
	for _, snap := range snapshots {
		c.entries[strings.ToLower(snap.Address)] = &CacheEntry{Snapshot: snap, CachedAt: now, ExpiresAt: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return nil
}

// Invalidate removes entries for addresses
func (c *MemoryResultCache) Invalidate(_ context.Context, addresses ...string) error {
	c.mu.Lock()
	for _, a := range addresses {
		delete(c.entries, strings.ToLower(a))
	}
	c.mu.Unlock()
	return nil
}

// TTL returns the configured TTL
func (c *MemoryResultCache) TTL() time.Duration {
	return c.ttl
}

// Len returns the number of entries held, expired or not
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge drops every expired entry and returns how many were removed
func (c *MemoryResultCache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
