package cache

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/internal/singleflight"
	"github.com/IvanBrykalov/quorumcache/internal/util"
	"github.com/IvanBrykalov/quorumcache/policy/lru"
)

// ErrNoLoader is returned by GetOrLoad when no Loader was configured in Options.
var ErrNoLoader = errors.New("cache: no Loader provided")

// cache is a sharded in-memory KV store with a pluggable eviction policy.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
	closed atomic.Bool

	opt Options[K, V]
	seq atomic.Uint64
	tot totals

	// singleflight group for coalescing concurrent loads in GetOrLoad.
	sf singleflight.Group[K, V]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Policy   -> LRU
//   - nil Logger   -> no-op logger
//   - Shards <= 0  -> auto, rounded up to the next power of two
//
// The shard count is lowered (keeping it a power of two) until every shard
// holds at least one entry, and capacity is split so that the per-shard
// capacities add up to Capacity exactly.
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.Capacity <= 0 {
		panic("Capacity must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	sh := opt.Shards
	if sh <= 0 {
		sh = util.ReasonableShardCount()
	}
	sh = util.ClampShards(sh, opt.Capacity)

	c := &cache[K, V]{
		hash: util.Hash[K],
		opt:  opt,
		stop: make(chan struct{}),
	}
	c.tot.m = opt.Metrics

	caps := util.SplitCapacity(opt.Capacity, sh)
	costs := util.SplitBudget(opt.MaxCost, sh)
	c.shards = make([]*shard[K, V], sh)
	for i := range c.shards {
		c.shards[i] = newShard[K, V](caps[i], costs[i], opt.Policy, &c.opt, &c.seq, &c.tot)
	}

	if opt.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper(opt.SweepInterval)
	}
	opt.Logger.Debug("cache created",
		zap.Int("capacity", opt.Capacity),
		zap.Int("shards", sh),
		zap.String("policy", string(opt.Policy.Kind())))
	return c
}

// ---- Cache[K,V] implementation ----

// Add inserts k→v only if absent, using DefaultTTL if set.
func (c *cache[K, V]) Add(k K, v V) bool {
	if c.closed.Load() {
		return false
	}
	return c.getShard(k).add(k, write[V]{val: v, exp: c.defaultDeadline(), cost: c.costOf(v)})
}

// Set inserts or updates k→v, using DefaultTTL if set.
func (c *cache[K, V]) Set(k K, v V) {
	c.Put(k, v, PutOptions{})
}

// SetWithTTL inserts or updates k→v with a per-key TTL (relative duration).
// A non-positive ttl disables expiration for this entry.
func (c *cache[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	c.Put(k, v, PutOptions{TTL: ttl, NoTTL: ttl <= 0})
}

// Put inserts or updates k→v with explicit metadata. It returns the new
// version, or 0 when the cache is closed.
func (c *cache[K, V]) Put(k K, v V, o PutOptions) uint64 {
	if c.closed.Load() {
		return 0
	}
	exp := c.defaultDeadline()
	switch {
	case o.NoTTL:
		exp = 0
	case o.TTL > 0:
		exp = c.deadline(o.TTL)
	}
	return c.getShard(k).put(k, write[V]{
		val:   v,
		exp:   exp,
		cost:  c.costOf(v),
		dirty: o.Dirty,
		clock: o.Clock,
	})
}

// Get returns the value for k and a presence flag.
// On hit, the entry is promoted according to the active policy.
func (c *cache[K, V]) Get(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	return c.getShard(k).get(k)
}

func (c *cache[K, V]) Peek(k K) (Entry[K, V], bool) {
	if c.closed.Load() {
		return Entry[K, V]{}, false
	}
	return c.getShard(k).peek(k)
}

// Remove deletes k if present and returns true on success.
func (c *cache[K, V]) Remove(k K) bool {
	if c.closed.Load() {
		return false
	}
	return c.getShard(k).remove(k)
}

func (c *cache[K, V]) MarkClean(k K, version uint64) bool {
	if c.closed.Load() {
		return false
	}
	return c.getShard(k).markClean(k, version)
}

// Len returns the total number of resident entries across all shards.
func (c *cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.length()
	}
	return total
}

func (c *cache[K, V]) Keys() []K {
	out := make([]K, 0, c.Len())
	for _, s := range c.shards {
		out = s.keys(out)
	}
	return out
}

func (c *cache[K, V]) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evicts.Load()
	}
	st.Entries = int(c.tot.entries.Load())
	st.Cost = c.tot.cost.Load()
	return st
}

// Close marks the cache as closed and stops the sweeper.
// Future operations are ignored. Close is idempotent.
func (c *cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
	})
	c.wg.Wait()
	return nil
}

// GetOrLoad returns the value for k; on miss it loads via Options.Loader,
// coalescing concurrent loads for the same key (singleflight).
// If no Loader is configured, returns ErrNoLoader.
func (c *cache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	// fast path
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	if c.opt.Loader == nil {
		var zero V
		return zero, ErrNoLoader
	}

	// singleflight: exactly one real load for the key
	return c.sf.Do(ctx, k, func() (V, error) {
		// double-check after flight join
		if e, ok := c.Peek(k); ok {
			return e.Value, nil
		}
		v, err := c.opt.Loader(ctx, k)
		if err == nil {
			c.Set(k, v)
		}
		return v, err
	})
}

// ---- helpers ----

func (c *cache[K, V]) sweeper(every time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			n := 0
			for _, s := range c.shards {
				n += s.sweep()
			}
			if n > 0 {
				c.opt.Logger.Debug("expired entries swept", zap.Int("count", n))
			}
		}
	}
}

// getShard picks a shard by hashing the key and masking with len-1.
// len(c.shards) is guaranteed to be a power of two.
func (c *cache[K, V]) getShard(k K) *shard[K, V] {
	return c.shards[util.ShardIndex(c.hash(k), len(c.shards))]
}

// defaultDeadline returns an absolute deadline based on DefaultTTL.
func (c *cache[K, V]) defaultDeadline() int64 {
	if c.opt.DefaultTTL <= 0 {
		return 0
	}
	return c.deadline(c.opt.DefaultTTL)
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
func (c *cache[K, V]) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	now := time.Now().UnixNano()
	if c.opt.Clock != nil {
		now = c.opt.Clock.NowUnixNano()
	}
	return now + int64(ttl)
}

// costOf computes the per-entry cost (clamped to int32 range).
func (c *cache[K, V]) costOf(v V) int32 {
	if c.opt.Cost == nil {
		return 0
	}
	iv := c.opt.Cost(v)
	if iv < 0 {
		iv = 0
	}
	if iv > math.MaxInt32 {
		iv = math.MaxInt32
	}
	return int32(iv)
}
