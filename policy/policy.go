// Package policy defines the eviction policy contract used by cache shards.
//
// A shard stores its entries in an arena (a slice of fixed slots) and refers
// to them by Slot index. Policies never see keys or values; they only order
// slots and nominate victims. All methods are invoked under the shard lock.
package policy

import "fmt"

// Slot addresses an entry in a shard's arena.
type Slot int32

// None is the nil slot.
const None Slot = -1

// Kind names a built-in eviction strategy.
type Kind string

const (
	KindLRU  Kind = "lru"
	KindLFU  Kind = "lfu"
	KindSLRU Kind = "slru"
)

// ParseKind accepts the canonical names case-sensitively ("lru", "lfu", "slru")
// and their upper-case spellings.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "lru", "LRU":
		return KindLRU, nil
	case "lfu", "LFU":
		return KindLFU, nil
	case "slru", "SLRU":
		return KindSLRU, nil
	}
	return "", fmt.Errorf("policy: unknown eviction policy %q", s)
}

// ShardPolicy is a per-shard policy instance.
//
// Semantics:
//   - OnInsert admits a slot that is not currently tracked.
//   - OnAccess records a hit (get or in-place update) on a tracked slot.
//   - OnRemove forgets a tracked slot; the shard recycles it afterwards.
//   - SelectVictim nominates the slot to evict next without removing it.
//     The choice is a pure function of the policy state.
//   - Walk visits tracked slots from the most to the least protected one.
type ShardPolicy interface {
	OnInsert(s Slot)
	OnAccess(s Slot)
	OnRemove(s Slot)
	SelectVictim() (Slot, bool)
	Walk(fn func(Slot) bool)
	Len() int
}

// Policy is a factory that creates shard-local policy instances.
// capacity is the shard's entry capacity and sizes internal segments.
type Policy interface {
	New(capacity int) ShardPolicy
	Kind() Kind
}
