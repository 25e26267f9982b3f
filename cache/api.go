package cache

import (
	"context"
	"time"

	"github.com/IvanBrykalov/quorumcache/vclock"
)

// Cache is a sharded, in-memory key/value cache interface.
// All methods are safe for concurrent use by multiple goroutines.
//
// Typical complexity for operations is amortized O(1):
// a map lookup plus constant-time list adjustments under a shard lock.
type Cache[K comparable, V any] interface {
	// Add inserts k→v only if k is not present.
	// It uses the cache's DefaultTTL (if any).
	// Returns false if the key already exists (no update is performed).
	Add(k K, v V) bool

	// Set inserts or updates k→v.
	// It uses the cache's DefaultTTL (if any), and promotes the entry
	// according to the active eviction policy.
	Set(k K, v V)

	// SetWithTTL inserts or updates k→v with a per-key TTL (relative duration).
	// A non-positive ttl disables expiration for this entry.
	SetWithTTL(k K, v V, ttl time.Duration)

	// Put inserts or updates k→v with explicit metadata and returns the
	// version assigned to the entry.
	Put(k K, v V, o PutOptions) uint64

	// Get returns the value for k and a boolean flag indicating presence.
	// On hit, the entry is promoted according to the policy.
	Get(k K) (V, bool)

	// Peek returns a snapshot of the entry without touching policy state.
	// Expired entries are reported as absent.
	Peek(k K) (Entry[K, V], bool)

	// Remove deletes k if present and returns true on success.
	Remove(k K) bool

	// MarkClean clears the dirty flag of k if its version still equals
	// version. Returns false if the key is gone or was rewritten since.
	MarkClean(k K, version uint64) bool

	// Len returns the total number of resident entries across all shards.
	Len() int

	// Keys returns resident keys shard by shard, each shard in policy order
	// (most protected first, next victim last).
	Keys() []K

	// Stats returns cumulative hit/miss/eviction counters.
	Stats() Stats

	// Close stops the background sweeper (if any) and marks the cache closed.
	Close() error

	// GetOrLoad returns the value for k, loading it via Options.Loader on miss.
	// Concurrent loads for the same key are coalesced (singleflight).
	// If no Loader was configured, returns ErrNoLoader.
	GetOrLoad(ctx context.Context, k K) (V, error)
}

// PutOptions carries per-write metadata for Put.
type PutOptions struct {
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// NoTTL disables expiration for this entry even if DefaultTTL is set.
	NoTTL bool
	// Dirty marks the entry as not yet persisted (write-back).
	Dirty bool
	// Clock is the vector clock attached to this version.
	Clock vclock.Clock
}

// Entry is a point-in-time copy of a resident entry and its metadata.
type Entry[K comparable, V any] struct {
	Key        K
	Value      V
	Cost       int
	Dirty      bool
	Version    uint64
	Clock      vclock.Clock
	LastAccess int64 // UnixNano
	Frequency  uint32
	ExpiresAt  int64 // UnixNano, 0 = no TTL
}

// Stats are cumulative counters since construction.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions uint64
	Entries   int
	Cost      int64
}
