package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/monascore/models"
)

func setupCachedStore(t *testing.T) (*CachedUserStore, *UserRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := setupTestRepository(t)
	return NewCachedUserStore(repo, rdb, time.Minute, nil), repo, mr
}

func TestCachedUserStore_ReadThroughAndInvalidate(t *testing.T) {
	store, repo, mr := setupCachedStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, models.User{Address: "0xa1", Points: 10, ReferralCode: "R1", Registered: true})
	require.NoError(t, err)

	// reads right after a write go to the database and leave the fence alone
	got, found, err := store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), got.Points)
	cached, err := mr.Get(userCacheKey("0xa1"))
	require.NoError(t, err)
	assert.Equal(t, string(writeFence), cached)

	mr.FastForward(writeFenceTTL)
	_, _, err = store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	cached, err = mr.Get(userCacheKey("0xa1"))
	require.NoError(t, err)
	assert.Contains(t, cached, `"points":10`)

	// a write that bypasses the cache is not visible until the entry is dropped
	_, err = repo.Update(ctx, models.User{Address: "0xa1", Points: 11, ReferralCode: "R1", Registered: true})
	require.NoError(t, err)
	got, _, err = store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Points)

	_, err = store.Update(ctx, models.User{Address: "0xa1", Points: 12, ReferralCode: "R1", Registered: true})
	require.NoError(t, err)

	got, _, err = store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Points)
}

func TestCachedUserStore_StaleFillAfterUpdateIsDropped(t *testing.T) {
	store, _, mr := setupCachedStore(t)
	ctx := context.Background()

	stale, err := store.Add(ctx, models.User{Address: "0xa1", Points: 10, ReferralCode: "R1", Registered: true})
	require.NoError(t, err)
	mr.FastForward(writeFenceTTL)

	// a reader loaded the old row, then the update committed before it filled the cache
	_, err = store.Update(ctx, models.User{Address: "0xa1", Points: 12, ReferralCode: "R1", Registered: true})
	require.NoError(t, err)
	store.cacheSet(ctx, stale)

	got, _, err := store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Points)

	mr.FastForward(writeFenceTTL)
	got, _, err = store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Points)
	got, _, err = store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Points)
}

func TestCachedUserStore_MissIsNotCached(t *testing.T) {
	store, _, mr := setupCachedStore(t)

	_, found, err := store.GetByAddress(context.Background(), "0xzz")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists(userCacheKey("0xzz")))
}

func TestCachedUserStore_NilClient(t *testing.T) {
	repo := setupTestRepository(t)
	store := NewCachedUserStore(repo, nil, 0, nil)
	ctx := context.Background()

	_, err := store.Add(ctx, models.User{Address: "0xa1", ReferralCode: "R1", Registered: true})
	require.NoError(t, err)
	_, found, err := store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCachedUserStore_RedisDown(t *testing.T) {
	store, _, mr := setupCachedStore(t)
	ctx := context.Background()
	mr.Close()

	_, err := store.Add(ctx, models.User{Address: "0xa1", ReferralCode: "R1", Registered: true})
	require.NoError(t, err)
	_, found, err := store.GetByAddress(ctx, "0xa1")
	require.NoError(t, err)
	assert.True(t, found)
}
