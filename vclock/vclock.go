// Package vclock implements vector clocks used to order writes across replicas.
//
// A Clock maps a node identifier (the coordinator that issued a write) to a
// logical counter. Clocks are treated as immutable values: every operation
// returns a fresh map and never mutates its receiver, so a clock can be shared
// between goroutines and attached to cache entries without copying.
package vclock

import (
	"sort"
	"strconv"
	"strings"
)

// Clock is a vector clock: node id -> logical counter.
// A nil Clock is valid and equals the empty clock.
type Clock map[string]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal: both clocks carry identical counters.
	Equal Ordering = iota
	// Before: the left clock happened before the right one.
	Before
	// After: the left clock happened after the right one.
	After
	// Concurrent: neither clock dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare reports how a relates to b.
// Missing entries are read as zero, so {a:1} is Before {a:1, b:1}.
func Compare(a, b Clock) Ordering {
	allBefore, allAfter := true, true
	for id, ta := range a {
		tb := b[id]
		if ta < tb {
			allAfter = false
		} else if ta > tb {
			allBefore = false
		}
	}
	for id, tb := range b {
		if _, seen := a[id]; seen {
			continue
		}
		if tb > 0 {
			allAfter = false
		}
	}

	switch {
	case allBefore && allAfter:
		return Equal
	case allBefore:
		return Before
	case allAfter:
		return After
	default:
		return Concurrent
	}
}

// Copy returns an independent copy of c (nil stays nil).
func (c Clock) Copy() Clock {
	if c == nil {
		return nil
	}
	out := make(Clock, len(c))
	for id, t := range c {
		out[id] = t
	}
	return out
}

// Increment returns a copy of c with node's counter advanced by one.
func (c Clock) Increment(node string) Clock {
	out := c.Copy()
	if out == nil {
		out = make(Clock, 1)
	}
	out[node]++
	return out
}

// Merge returns the pointwise maximum of c and all others.
func (c Clock) Merge(others ...Clock) Clock {
	out := c.Copy()
	if out == nil {
		out = make(Clock)
	}
	for _, o := range others {
		for id, t := range o {
			if t > out[id] {
				out[id] = t
			}
		}
	}
	return out
}

// Get returns the counter for node (zero when absent).
func (c Clock) Get(node string) uint64 { return c[node] }

// Descends reports whether c has seen everything o has (c >= o pointwise).
func (c Clock) Descends(o Clock) bool {
	ord := Compare(c, o)
	return ord == Equal || ord == After
}

// String renders the clock with sorted node ids, e.g. "{a:1,b:3}".
func (c Clock) String() string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[id], 10))
	}
	b.WriteByte('}')
	return b.String()
}
