package cache

import "github.com/IvanBrykalov/quorumcache/vclock"

// node is one arena slot owned by a shard. Slots are recycled through the
// shard's free list; ordering lives in the shard's policy, addressed by the
// slot index, so nodes carry no link pointers.
type node[K comparable, V any] struct {
	key K
	val V

	// Absolute expiration deadline in UnixNano.
	// Zero means "no TTL".
	exp int64

	// Logical "cost" used when MaxCost is enabled.
	cost int32

	// Access bookkeeping, maintained regardless of the active policy.
	freq       uint32
	lastAccess int64

	// Replication / write-back metadata.
	version uint64
	clock   vclock.Clock
	dirty   bool
}

func (n *node[K, V]) entry() Entry[K, V] {
	return Entry[K, V]{
		Key:        n.key,
		Value:      n.val,
		Cost:       int(n.cost),
		Dirty:      n.dirty,
		Version:    n.version,
		Clock:      n.clock,
		LastAccess: n.lastAccess,
		Frequency:  n.freq,
		ExpiresAt:  n.exp,
	}
}
