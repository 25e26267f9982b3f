package util

import "runtime"

// ReasonableShardCount picks a practical default shard count based on CPU
// parallelism. Heuristic: nextPow2(2*GOMAXPROCS), clamped to [1..256].
// This sharply reduces lock contention without bloating memory overhead.
func ReasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	// 2×CPU, round up to power of two, then clamp to 256.
	n := int(NextPow2(uint64(p * 2)))
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	return n
}

// ShardIndex maps a 64-bit hash to a shard index.
// Assumes shard count is a power of two for the fast mask path,
// but remains correct for arbitrary shard counts (uses modulo).
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	// Fast path if shard count is power of two.
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}

// ClampShards rounds shards up to a power of two and then halves it until
// every shard can hold at least one of capacity entries.
func ClampShards(shards, capacity int) int {
	n := int(NextPow2(uint64(shards)))
	for n > 1 && n > capacity {
		n >>= 1
	}
	return n
}

// SplitCapacity divides capacity across shards so the parts sum to capacity
// exactly; the first capacity%shards shards get one extra slot.
func SplitCapacity(capacity, shards int) []int {
	out := make([]int, shards)
	base, rem := capacity/shards, capacity%shards
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// SplitBudget divides a cost budget the same way. A non-positive budget
// yields zeros (limit disabled).
func SplitBudget(budget int64, shards int) []int64 {
	out := make([]int64, shards)
	if budget <= 0 {
		return out
	}
	base, rem := budget/int64(shards), budget%int64(shards)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}
