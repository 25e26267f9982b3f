package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/quorumcache/internal/util"
	"github.com/IvanBrykalov/quorumcache/policy"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

// shard is an independent partition of the cache with its own lock, index
// map, entry arena and policy instance.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.RWMutex
	idx     map[K]policy.Slot
	arena   []node[K, V]
	free    []policy.Slot
	len     int   // number of resident entries
	cost    int64 // total cost (if MaxCost is enabled)
	cap     int   // per-shard entry capacity
	maxCost int64 // per-shard cost limit (0 = disabled)

	pol policy.ShardPolicy
	opt *Options[K, V]
	seq *atomic.Uint64 // cache-wide version sequence
	tot *totals

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

// write is a fully resolved insert/update request.
type write[V any] struct {
	val   V
	exp   int64 // absolute deadline, 0 = none
	cost  int32
	dirty bool
	clock vclock.Clock
}

func newShard[K comparable, V any](capacity int, maxCost int64, pol policy.Policy, opt *Options[K, V], seq *atomic.Uint64, tot *totals) *shard[K, V] {
	return &shard[K, V]{
		idx:     make(map[K]policy.Slot, capacity),
		arena:   make([]node[K, V], 0, capacity),
		cap:     capacity,
		maxCost: maxCost,
		pol:     pol.New(capacity),
		opt:     opt,
		seq:     seq,
		tot:     tot,
	}
}

// add inserts a NEW entry. Returns false if a live entry exists.
func (s *shard[K, V]) add(k K, w write[V]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.idx[k]; ok {
		if !s.expiredLocked(&s.arena[slot]) {
			return false
		}
		s.evictSlot(slot, EvictTTL)
	}
	s.insertLocked(k, w)
	return true
}

// put inserts or updates an entry and returns its new version.
func (s *shard[K, V]) put(k K, w write[V]) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.idx[k]; ok {
		n := &s.arena[slot]
		delta := int64(w.cost) - int64(n.cost)
		n.val = w.val
		n.exp = w.exp
		n.cost = w.cost
		n.dirty = w.dirty
		n.clock = w.clock
		n.version = s.seq.Add(1)
		s.touchLocked(slot, n)
		s.cost += delta
		s.tot.add(0, delta)
		s.enforceCostLocked()
		return n.version
	}
	return s.insertLocked(k, w)
}

// get returns the value and promotes the entry according to the policy.
// TTL: if expired, the entry is evicted and a miss is returned.
func (s *shard[K, V]) get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.idx[k]
	if ok && s.expiredLocked(&s.arena[slot]) {
		s.evictSlot(slot, EvictTTL)
		ok = false
	}
	if !ok {
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		var zero V
		return zero, false
	}

	n := &s.arena[slot]
	s.touchLocked(slot, n)
	s.hits.Add(1)
	s.opt.Metrics.Hit()
	return n.val, true
}

// peek copies the entry without policy side effects.
func (s *shard[K, V]) peek(k K) (Entry[K, V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.idx[k]
	if !ok || s.expiredLocked(&s.arena[slot]) {
		return Entry[K, V]{}, false
	}
	return s.arena[slot].entry(), true
}

// remove deletes an entry by key. Returns true if the entry existed.
// Explicit removal is not counted as an eviction.
func (s *shard[K, V]) remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.idx[k]
	if !ok {
		return false
	}
	s.releaseLocked(slot)
	return true
}

func (s *shard[K, V]) markClean(k K, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.idx[k]
	if !ok || s.arena[slot].version != version {
		return false
	}
	s.arena[slot].dirty = false
	return true
}

func (s *shard[K, V]) length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

// keys appends resident keys in policy order.
func (s *shard[K, V]) keys(out []K) []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.pol.Walk(func(slot policy.Slot) bool {
		out = append(out, s.arena[slot].key)
		return true
	})
	return out
}

// sweep evicts every expired entry.
func (s *shard[K, V]) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, slot := range s.idx {
		if s.expiredLocked(&s.arena[slot]) {
			s.evictSlot(slot, EvictTTL)
			n++
		}
	}
	return n
}

// -------------------- internals (mu held) --------------------

func (s *shard[K, V]) expiredLocked(n *node[K, V]) bool {
	if n.exp == 0 {
		return false
	}
	return s.now() > n.exp
}

func (s *shard[K, V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (s *shard[K, V]) touchLocked(slot policy.Slot, n *node[K, V]) {
	n.freq++
	n.lastAccess = s.now()
	s.pol.OnAccess(slot)
}

// insertLocked admits a new key. When the shard is full the policy victim is
// evicted first, so the new entry never competes with itself and the shard
// never holds more than cap entries.
func (s *shard[K, V]) insertLocked(k K, w write[V]) uint64 {
	for s.len >= s.cap {
		victim, ok := s.pol.SelectVictim()
		if !ok {
			break
		}
		s.evictSlot(victim, EvictPolicy)
	}

	slot := s.alloc()
	s.arena[slot] = node[K, V]{
		key:        k,
		val:        w.val,
		exp:        w.exp,
		cost:       w.cost,
		freq:       1,
		lastAccess: s.now(),
		version:    s.seq.Add(1),
		clock:      w.clock,
		dirty:      w.dirty,
	}
	s.idx[k] = slot
	s.pol.OnInsert(slot)
	s.len++
	s.cost += int64(w.cost)
	s.tot.add(1, int64(w.cost))
	version := s.arena[slot].version
	s.enforceCostLocked()
	return version
}

// enforceCostLocked evicts policy victims until the cost budget holds.
func (s *shard[K, V]) enforceCostLocked() {
	if s.maxCost <= 0 {
		return
	}
	for s.cost > s.maxCost {
		victim, ok := s.pol.SelectVictim()
		if !ok {
			return
		}
		s.evictSlot(victim, EvictCapacity)
	}
}

func (s *shard[K, V]) alloc() policy.Slot {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	s.arena = append(s.arena, node[K, V]{})
	return policy.Slot(len(s.arena) - 1)
}

// releaseLocked detaches slot from the policy and index and recycles it.
func (s *shard[K, V]) releaseLocked(slot policy.Slot) node[K, V] {
	n := s.arena[slot]
	s.pol.OnRemove(slot)
	delete(s.idx, n.key)
	s.arena[slot] = node[K, V]{}
	s.free = append(s.free, slot)
	s.len--
	s.cost -= int64(n.cost)
	if s.cost < 0 {
		s.cost = 0
	}
	s.tot.add(-1, -int64(n.cost))
	return n
}

// evictSlot removes the entry, updates metrics/counters, and calls OnEvict.
func (s *shard[K, V]) evictSlot(slot policy.Slot, reason EvictReason) {
	n := s.releaseLocked(slot)
	s.evicts.Add(1)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}
