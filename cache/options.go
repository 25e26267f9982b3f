package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/policy"
	"github.com/IvanBrykalov/quorumcache/policy/lfu"
	"github.com/IvanBrykalov/quorumcache/policy/lru"
	"github.com/IvanBrykalov/quorumcache/policy/slru"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPolicy: removed by the active eviction policy (LRU/LFU/SLRU).
	EvictPolicy EvictReason = iota
	// EvictTTL: expired by TTL (lazy on access, or by the sweeper).
	EvictTTL
	// EvictCapacity: removed to satisfy the cost limit.
	EvictCapacity
)

func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictCapacity:
		return "capacity"
	default:
		return "policy"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the cache behavior. Zero values are safe;
// sane defaults are applied in New():
//   - nil Policy   => LRU
//   - Shards <= 0  => auto (rounded up to power of two)
//   - nil Metrics  => NoopMetrics
//   - nil Logger   => zap.NewNop()
type Options[K comparable, V any] struct {
	// Capacity is the entry count limit across all shards. The sum of the
	// per-shard capacities equals Capacity exactly.
	Capacity int

	// Shards defines the number of shards. If 0, an automatic value is chosen
	// (≈ 2*GOMAXPROCS) and rounded to the next power of two. It is reduced
	// when Capacity is smaller than the shard count.
	Shards int

	// Policy is a pluggable eviction policy; nil => LRU by default.
	Policy policy.Policy

	// DefaultTTL applies to Add/Set/Put when per-key TTL is not provided (0 = no TTL).
	DefaultTTL time.Duration

	// SweepInterval enables a background sweep of expired entries.
	// 0 keeps expiration purely lazy.
	SweepInterval time.Duration

	// Cost-based limiting (e.g., bytes). If Cost is non-nil and MaxCost > 0,
	// the cache evicts until both entry count and total cost limits are satisfied.
	Cost    func(v V) int // nil = all entries have equal cost (0)
	MaxCost int64         // total cost limit; 0 disables cost limiting

	// Loader fetches a value on cache miss. Used by GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	// OnEvict is called on eviction under the shard lock; keep callbacks lightweight.
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

// NewPolicy returns the built-in policy factory for kind.
// slruRatio is the SLRU probation share; ignored by other kinds.
func NewPolicy(kind policy.Kind, slruRatio float64) (policy.Policy, error) {
	if kind == "" {
		return lru.New(), nil
	}
	k, err := policy.ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	switch k {
	case policy.KindLFU:
		return lfu.New(), nil
	case policy.KindSLRU:
		return slru.New(slruRatio), nil
	default:
		return lru.New(), nil
	}
}
