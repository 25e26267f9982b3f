package slru

import (
	"testing"

	"github.com/IvanBrykalov/quorumcache/policy"
)

func order(l *policy.List) []policy.Slot {
	var out []policy.Slot
	l.Walk(func(s policy.Slot) bool { out = append(out, s); return true })
	return out
}

func same(a, b []policy.Slot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Capacity is split 25/75 by default.
func TestSLRU_SegmentSizing(t *testing.T) {
	t.Parallel()

	p := New(0).New(8).(*slru)
	if p.protectedCap != 6 {
		t.Fatalf("protectedCap = %d, want 6", p.protectedCap)
	}
	p = New(0.5).New(8).(*slru)
	if p.protectedCap != 4 {
		t.Fatalf("protectedCap = %d, want 4", p.protectedCap)
	}
}

// New entries are admitted into probation.
func TestSLRU_InsertGoesToProbation(t *testing.T) {
	t.Parallel()

	p := New(0).New(4).(*slru)
	p.OnInsert(0)
	p.OnInsert(1)

	if !same(order(p.probation), []policy.Slot{1, 0}) || p.protected.Len() != 0 {
		t.Fatalf("probation=%v protected=%v", order(p.probation), order(p.protected))
	}
	if v, _ := p.SelectVictim(); v != 0 {
		t.Fatalf("victim = %d, want 0", v)
	}
}

// A probation hit promotes into protected.
func TestSLRU_HitPromotes(t *testing.T) {
	t.Parallel()

	p := New(0).New(4).(*slru)
	p.OnInsert(0)
	p.OnInsert(1)
	p.OnAccess(0)

	if !same(order(p.protected), []policy.Slot{0}) || !same(order(p.probation), []policy.Slot{1}) {
		t.Fatalf("probation=%v protected=%v", order(p.probation), order(p.protected))
	}
	if v, _ := p.SelectVictim(); v != 1 {
		t.Fatalf("victim = %d, want 1", v)
	}
}

// When protected is full, a promotion demotes the protected LRU to the
// probation head.
func TestSLRU_DemotionCascade(t *testing.T) {
	t.Parallel()

	p := New(0.5).New(4).(*slru) // probation 2, protected 2
	for s := policy.Slot(0); s < 3; s++ {
		p.OnInsert(s)
	}
	p.OnAccess(0)
	p.OnAccess(1) // protected: [1 0]
	p.OnAccess(2) // protected full -> demote 0

	if !same(order(p.protected), []policy.Slot{2, 1}) {
		t.Fatalf("protected = %v, want [2 1]", order(p.protected))
	}
	if !same(order(p.probation), []policy.Slot{0}) {
		t.Fatalf("probation = %v, want [0]", order(p.probation))
	}
	if p.seg[0] != segProbation {
		t.Fatal("demoted slot must be tagged as probation")
	}
}

// With probation empty the protected tail is the victim.
func TestSLRU_FallbackVictim(t *testing.T) {
	t.Parallel()

	p := New(0).New(4).(*slru)
	p.OnInsert(0)
	p.OnInsert(1)
	p.OnAccess(0)
	p.OnAccess(1)

	if v, ok := p.SelectVictim(); !ok || v != 0 {
		t.Fatalf("victim = %d,%v want 0", v, ok)
	}
	p.OnRemove(0)
	p.OnRemove(1)
	if _, ok := p.SelectVictim(); ok || p.Len() != 0 {
		t.Fatal("empty policy must not nominate a victim")
	}
}

// A key accessed twice is never evicted before a key accessed once when
// they arrived in the same order.
func TestSLRU_TwiceAccessedOutlivesOnce(t *testing.T) {
	t.Parallel()

	p := New(0).New(4)
	// Arrival order 0..3; even slots get a second access.
	for s := policy.Slot(0); s < 4; s++ {
		p.OnInsert(s)
	}
	p.OnAccess(0)
	p.OnAccess(2)

	evicted := make([]policy.Slot, 0, 4)
	for p.Len() > 0 {
		v, _ := p.SelectVictim()
		p.OnRemove(v)
		evicted = append(evicted, v)
	}
	if !same(evicted[:2], []policy.Slot{1, 3}) {
		t.Fatalf("eviction order = %v, once-accessed slots must go first", evicted)
	}
}
