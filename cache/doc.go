// Package cache provides the engine's in-process store: a generic, sharded
// cache with pluggable eviction (LRU, LFU, SLRU), per-entry TTL, optional
// singleflight loading, cost-based capacity and per-entry replication metadata.
//
// Design
//
//   - Concurrency: the cache is split into shards, each protected by an
//     RWMutex. The shard count is a power of two and never exceeds Capacity;
//     per-shard capacities sum to Capacity, so Len() <= Capacity always holds.
//     Use Shards: 1 when a single global eviction order is required.
//
//   - Storage: each shard keeps a map[K]Slot and an arena of fixed slots.
//     Policies order slot indices in index-linked lists (see package policy),
//     never pointers. Freed slots are recycled.
//
//   - Eviction: when a new key arrives at a full shard the policy victim is
//     evicted first, then the key is admitted. Every resident slot is tracked
//     by exactly one policy list.
//
//   - Metadata: every entry carries a version drawn from a cache-wide
//     sequence (so a removed and re-inserted key never reuses a version),
//     a vector clock, a dirty flag, access frequency and last access time.
//     MarkClean clears the dirty flag only if the version is unchanged.
//
//   - TTL: entries can have per-item deadlines (UnixNano). Expiration is lazy
//     on read; Options.SweepInterval adds a background sweep.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals
//     (Size reports whole-cache totals). See metrics/prom for Prometheus.
//
// Basic usage
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{Capacity: 10_000})
//	c.Set("a", []byte("1"))
//	if v, ok := c.Get("a"); ok {
//	    _ = v
//	}
//
// Write-back style usage
//
//	ver := c.Put("k", v, cache.PutOptions{Dirty: true})
//	// ... persist ...
//	c.MarkClean("k", ver)
//
// Choosing a policy
//
//	pol, _ := cache.NewPolicy(policy.KindSLRU, 0.25)
//	c := cache.New[string, string](cache.Options[string, string]{Capacity: 50_000, Policy: pol})
package cache
