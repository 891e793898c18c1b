package storage

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/types"
)

var trendCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "histmanager_trend_cache_requests_total",
	Help: "Bucketed trend queries answered by the trend cache, by hit or miss.",
}, []string{"result"})

// lruCache is an LRU map whose entries also expire ttl after being stored
type lruCache[V any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
}

type lruEntry[V any] struct {
	key      string
	value    V
	storedAt time.Time
}

func newLRUCache[V any](capacity int, ttl time.Duration) *lruCache[V] {
	return &lruCache[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache[V]) expired(e *lruEntry[V], now time.Time) bool {
	return now.Sub(e.storedAt) > c.ttl
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*lruEntry[V])
	if c.expired(entry, c.now()) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry[V])
		entry.value, entry.storedAt = value, c.now()
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, storedAt: c.now()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry[V]).key)
	}
}

func (c *lruCache[V]) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *lruCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[V]) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: len(c.entries), Capacity: c.capacity}
	now := c.now()
	for _, elem := range c.entries {
		if c.expired(elem.Value.(*lruEntry[V]), now) {
			stats.Expired++
		}
	}
	return stats
}

// CacheStats describes the trend cache
type CacheStats struct {
	Size     int
	Capacity int
	// Expired counts entries past their TTL that have not been evicted yet
	Expired int
	Hits    uint64
	Misses  uint64
}

// HitRate returns hits as a percentage of all lookups
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// trendQueryKey identifies a bucketed trend query by its parameters
func trendQueryKey(itemids []uint64, vt types.ValueType, from, to int64, width int) string {
	buf := make([]byte, 0, 8*len(itemids)+25)
	buf = append(buf, byte(vt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(from))
	buf = binary.BigEndian.AppendUint64(buf, uint64(to))
	buf = binary.BigEndian.AppendUint64(buf, uint64(width))
	for _, id := range itemids {
		buf = binary.BigEndian.AppendUint64(buf, id)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// CachedTrendStore decorates a trend store with a query cache. A result is
// served for at most the cache TTL.
type CachedTrendStore struct {
	next   history.TrendStore
	cache  *lruCache[map[uint64][]types.AggRow]
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ history.TrendStore = (*CachedTrendStore)(nil)

// NewCachedTrendStore wraps next with a cache of capacity results
func NewCachedTrendStore(next history.TrendStore, capacity int, ttl time.Duration) *CachedTrendStore {
	return &CachedTrendStore{
		next:  next,
		cache: newLRUCache[map[uint64][]types.AggRow](capacity, ttl),
	}
}

// QueryAggregated answers from the cache or the wrapped store. Errors are
// never cached.
func (cs *CachedTrendStore) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	key := trendQueryKey(itemids, vt, from, to, width)
	if rows, ok := cs.cache.get(key); ok {
		cs.hits.Add(1)
		trendCacheRequests.WithLabelValues("hit").Inc()
		return rows, nil
	}
	cs.misses.Add(1)
	trendCacheRequests.WithLabelValues("miss").Inc()

	rows, err := cs.next.QueryAggregated(ctx, itemids, vt, from, to, width)
	if err != nil {
		return nil, err
	}
	cs.cache.put(key, rows)
	return rows, nil
}

// Invalidate drops every cached result
func (cs *CachedTrendStore) Invalidate() {
	cs.cache.clear()
}

// InvalidateOn drops cached results whenever req carries trend rows. It has
// the shape of DB.OnWrite hooks.
func (cs *CachedTrendStore) InvalidateOn(req *types.WriteRequest) {
	if len(req.Trends) > 0 {
		cs.Invalidate()
	}
}

// Stats returns the cache size and lookup counters
func (cs *CachedTrendStore) Stats() CacheStats {
	stats := cs.cache.stats()
	stats.Hits = cs.hits.Load()
	stats.Misses = cs.misses.Load()
	return stats
}
