// Package util contains internal helpers (hashing, sharding, padding).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash maps a key to 64 bits with xxHash. Strings are hashed directly and
// integer keys hash their 8 little-endian bytes. Any other comparable key
// falls back to its %#v rendering, which allocates.
func Hash[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case uint64:
		return hashUint(v)
	case uint32:
		return hashUint(uint64(v))
	case uint:
		return hashUint(uint64(v))
	case int64:
		return hashUint(uint64(v))
	case int32:
		return hashUint(uint64(uint32(v)))
	case int:
		return hashUint(uint64(v))
	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		return xxhash.Sum64String(fmt.Sprintf("%#v", k))
	}
}

// KeyString renders a key for string-keyed helpers such as singleflight.
func KeyString[K comparable](k K) string {
	if s, ok := any(k).(string); ok {
		return s
	}
	return fmt.Sprintf("%T:%#v", k, k)
}

func hashUint(u uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return xxhash.Sum64(b[:])
}
