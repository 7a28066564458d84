package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-cluster-engine/internal/config"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/models"
)

const testAddr = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

// testContext bounds a test's calls into a backing store
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func setupRedisResultCache(t *testing.T, ttl time.Duration) (*RedisResultCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := NewRedisCacheFromClient(client)
	t.Cleanup(func() { _ = rc.Close() })

	return NewRedisResultCache(rc, ttl, "test"), mr
}

func snapshot(address string) *models.WalletSnapshot {
	return &models.WalletSnapshot{
		Address:     address,
		Fingerprint: "00000000deadbeef",
		Cluster: &models.ClusterResult{
			ClusterID:           "c-1",
			CentroidFingerprint: "00000000deadbeef",
			Members:             []string{address, "0x0000000000000000000000000000000000000001"},
			Size:                2,
		},
		ComputedAt: 1_700_000_000,
	}
}

func TestRedisResultCache_RoundTrip(t *testing.T) {
	cache, mr := setupRedisResultCache(t, time.Hour)
	ctx := testContext(t)

	_, ok, err := cache.Get(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, snapshot(testAddr)))
	assert.True(t, mr.Exists("test:"+testAddr))

	entry, ok, err := cache.Get(ctx, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot(testAddr), entry.Snapshot)
	assert.Equal(t, time.Hour, entry.ExpiresAt.Sub(entry.CachedAt))
}

func TestRedisResultCache_Expiry(t *testing.T) {
	cache, mr := setupRedisResultCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Set(ctx, snapshot(testAddr)))
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisResultCache_SetMany(t *testing.T) {
	cache, mr := setupRedisResultCache(t, time.Hour)
	ctx := testContext(t)
	other := "0x0000000000000000000000000000000000000001"

	require.NoError(t, cache.SetMany(ctx, nil))
	require.NoError(t, cache.SetMany(ctx, []*models.WalletSnapshot{snapshot(testAddr), snapshot(other)}))
	assert.True(t, mr.Exists("test:"+testAddr))
	assert.True(t, mr.Exists("test:"+other))
	assert.Equal(t, time.Hour, mr.TTL("test:"+other))

	entry, ok, err := cache.Get(ctx, other)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot(other), entry.Snapshot)
}

func TestRedisResultCache_Invalidate(t *testing.T) {
	cache, _ := setupRedisResultCache(t, time.Hour)
	ctx := testContext(t)

	require.NoError(t, cache.Set(ctx, snapshot(testAddr)))
	require.NoError(t, cache.Invalidate(ctx, testAddr))
	require.NoError(t, cache.Invalidate(ctx))

	_, ok, err := cache.Get(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisResultCache_CorruptEntry(t *testing.T) {
	cache, mr := setupRedisResultCache(t, time.Hour)
	ctx := testContext(t)

	require.NoError(t, mr.Set("test:"+testAddr, "{not json"))
	_, ok, err := cache.Get(ctx, testAddr)
	assert.False(t, ok)
	assert.True(t, apperrors.HasCategory(err, apperrors.CategoryCache))
}

func TestRedisResultCache_BackendDown(t *testing.T) {
	cache, mr := setupRedisResultCache(t, time.Hour)
	ctx := testContext(t)
	mr.Close()

	_, _, err := cache.Get(ctx, testAddr)
	assert.True(t, apperrors.HasCategory(err, apperrors.CategoryCache))
}

func TestNewRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.RedisConfig{
		Host:           "localhost",
		Port:           "6379",
		MaxConnections: 10,
	}

	cache, err := NewRedisCache(cfg)
	if err != nil {
		t.Skipf("Skipping test - Redis not available: %v", err)
		return
	}
	defer func() {
		if err := cache.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	ctx := testContext(t)
	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
