package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/models"
)

// CacheEntry is the cached cluster/risk snapshot for one address
type CacheEntry struct {
	Snapshot  *models.WalletSnapshot `json:"snapshot"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// ResultCache memoizes per-wallet snapshots with a TTL. Implementations are
// safe for concurrent use; concurrent writes to one address are last-writer-wins.
type ResultCache interface {
	Get(ctx context.Context, address string) (*CacheEntry, bool, error)
	Set(ctx context.Context, snapshot *models.WalletSnapshot) error
	SetMany(ctx context.Context, snapshots []*models.WalletSnapshot) error
	Invalidate(ctx context.Context, addresses ...string) error
	TTL() time.Duration
}

// Purger is implemented by caches that do not expire entries on their own.
// Callers purge them periodically.
type Purger interface {
	Purge() int
}

// RedisResultCache stores snapshots as JSON in Redis
type RedisResultCache struct {
	redis  *RedisCache
	ttl    time.Duration
	prefix string
}

// NewRedisResultCache creates a Redis-backed result cache
func NewRedisResultCache(redis *RedisCache, ttl time.Duration, prefix string) *RedisResultCache {
	if prefix == "" {
		prefix = "wallet_cluster"
	}
	return &RedisResultCache{
		redis:  redis,
		ttl:    ttl,
		prefix: prefix,
	}
}

// GenerateCacheKey builds the key for an address
// Format: <prefix>:<address>
func (c *RedisResultCache) GenerateCacheKey(address string) string {
	return c.prefix + ":" + strings.ToLower(address)
}

// Set stores a snapshot with the configured TTL
func (c *RedisResultCache) Set(ctx context.Context, snapshot *models.WalletSnapshot) error {
	now := time.Now().UTC()
	entry := CacheEntry{Snapshot: snapshot, CachedAt: now, ExpiresAt: now.Add(c.ttl)}

	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.NewCacheError("marshal", err)
	}

	if err := c.redis.Set(ctx, c.GenerateCacheKey(snapshot.Address), data, c.ttl); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// SetMany stores snapshots in one pipelined round trip
func (c *RedisResultCache) SetMany(ctx context.Context, snapshots []*models.WalletSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	now := time.Now().UTC()

	pipe := c.redis.Client().Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(CacheEntry{Snapshot: snap, CachedAt: now, ExpiresAt: now.Add(c.ttl)})
		if err != nil {
			return apperrors.NewCacheError("marshal", err)
		}
		pipe.Set(ctx, c.GenerateCacheKey(snap.Address), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// Get retrieves a snapshot; a miss is not an error
func (c *RedisResultCache) Get(ctx context.Context, address string) (*CacheEntry, bool, error) {
	data, err := c.redis.Get(ctx, c.GenerateCacheKey(address))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, apperrors.NewCacheError("get", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, false, apperrors.NewCacheError("unmarshal", fmt.Errorf("corrupt entry for %s: %w", address, err))
	}
	return &entry, true, nil
}

// Invalidate removes the entries for the given addresses
func (c *RedisResultCache) Invalidate(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = c.GenerateCacheKey(a)
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}

// TTL returns the configured TTL
func (c *RedisResultCache) TTL() time.Duration {
	return c.ttl
}
