package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize covers the common 64-byte line on amd64 and arm64.
const CacheLineSize = 64

// CacheLinePad separates the shard lock from the counters below it.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicInt64 occupies a full cache line so per-shard hit/miss
// counters updated by different cores do not share one.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

// PaddedAtomicUint64 is the unsigned variant, used for eviction counts.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

var (
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt64{}))]byte
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
)
