package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/histmanager/pkg/types"
)

func TestLRUCache(t *testing.T) {
	cache := newLRUCache[map[uint64][]types.AggRow](100, time.Minute)

	_, ok := cache.get("missing")
	assert.False(t, ok)

	cache.put("k", map[uint64][]types.AggRow{1: {{ItemID: 1, Avg: 42}}})
	cached, ok := cache.get("k")
	require.True(t, ok)
	assert.Equal(t, 42.0, cached[1][0].Avg)

	cache.put("k", map[uint64][]types.AggRow{1: {{ItemID: 1, Avg: 7}}})
	cached, _ = cache.get("k")
	assert.Equal(t, 7.0, cached[1][0].Avg, "put replaces an existing entry")
	assert.Equal(t, 1, cache.len())
}

func TestLRUCacheTTL(t *testing.T) {
	cache := newLRUCache[int](100, time.Minute)
	now := time.Unix(1_000, 0)
	cache.now = func() time.Time { return now }

	cache.put("k", 1)
	_, ok := cache.get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, cache.stats().Expired)
	_, ok = cache.get("k")
	assert.False(t, ok, "expired entries are misses")
	assert.Zero(t, cache.len())
}

func TestLRUCacheEviction(t *testing.T) {
	cache := newLRUCache[int](3, time.Minute)

	for i := 0; i < 3; i++ {
		cache.put(fmt.Sprintf("item_%d", i), i)
	}
	// touch item_0 so item_1 becomes the oldest
	_, ok := cache.get("item_0")
	require.True(t, ok)
	cache.put("item_3", 3)

	assert.Equal(t, 3, cache.len())
	_, ok = cache.get("item_1")
	assert.False(t, ok)
	_, ok = cache.get("item_0")
	assert.True(t, ok)
	_, ok = cache.get("item_3")
	assert.True(t, ok)

	cache.clear()
	assert.Zero(t, cache.len())
	assert.Equal(t, 3, cache.stats().Capacity)
}

func TestTrendQueryKey(t *testing.T) {
	base := trendQueryKey([]uint64{1, 2}, types.ValueTypeFloat, 0, 3600, 10)
	assert.Equal(t, base, trendQueryKey([]uint64{1, 2}, types.ValueTypeFloat, 0, 3600, 10))
	assert.NotEqual(t, base, trendQueryKey([]uint64{2, 1}, types.ValueTypeFloat, 0, 3600, 10))
	assert.NotEqual(t, base, trendQueryKey([]uint64{1, 2}, types.ValueTypeUint, 0, 3600, 10))
	assert.NotEqual(t, base, trendQueryKey([]uint64{1, 2}, types.ValueTypeFloat, 0, 7200, 10))
}

type countingTrends struct {
	calls int
	err   error
}

func (c *countingTrends) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return map[uint64][]types.AggRow{itemids[0]: {{ItemID: itemids[0], Clock: from}}}, nil
}

func TestCachedTrendStore(t *testing.T) {
	next := &countingTrends{}
	cs := NewCachedTrendStore(next, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rows, err := cs.QueryAggregated(ctx, []uint64{1}, types.ValueTypeFloat, 0, 3600, 10)
		require.NoError(t, err)
		assert.Len(t, rows[1], 1)
	}
	assert.Equal(t, 1, next.calls)

	_, err := cs.QueryAggregated(ctx, []uint64{1}, types.ValueTypeFloat, 0, 3600, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls, "a different width is a different query")

	stats := cs.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, 2, stats.Size)
	assert.InDelta(t, 50.0, stats.HitRate(), 0.001)

	cs.InvalidateOn(&types.WriteRequest{Samples: []types.Sample{{ItemID: 1}}})
	_, err = cs.QueryAggregated(ctx, []uint64{1}, types.ValueTypeFloat, 0, 3600, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls, "sample writes keep cached trends")

	cs.InvalidateOn(&types.WriteRequest{Trends: []types.TrendRow{{ItemID: 1}}})
	_, err = cs.QueryAggregated(ctx, []uint64{1}, types.ValueTypeFloat, 0, 3600, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
}

func TestCachedTrendStoreDoesNotCacheErrors(t *testing.T) {
	next := &countingTrends{err: errors.New("down")}
	cs := NewCachedTrendStore(next, 10, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := cs.QueryAggregated(context.Background(), []uint64{1}, types.ValueTypeFloat, 0, 3600, 10)
		assert.Error(t, err)
	}
	assert.Equal(t, 2, next.calls)
	assert.Zero(t, cs.Stats().Size)
}

func TestCacheStatsHitRate(t *testing.T) {
	assert.Zero(t, CacheStats{}.HitRate())
	assert.InDelta(t, 75.0, CacheStats{Hits: 3, Misses: 1}.HitRate(), 0.001)
}
