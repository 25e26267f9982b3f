package lfu

import (
	"math/rand"
	"testing"

	"github.com/IvanBrykalov/quorumcache/policy"
)

func order(p policy.ShardPolicy) []policy.Slot {
	var out []policy.Slot
	p.Walk(func(s policy.Slot) bool { out = append(out, s); return true })
	return out
}

// The victim is the least frequently used slot.
func TestLFU_EvictsMinFrequency(t *testing.T) {
	t.Parallel()

	p := New().New(3)
	p.OnInsert(0)
	p.OnInsert(1)
	p.OnInsert(2)
	p.OnAccess(0)
	p.OnAccess(0)
	p.OnAccess(2)

	if v, ok := p.SelectVictim(); !ok || v != 1 {
		t.Fatalf("victim = %d,%v want 1", v, ok)
	}
	if f := p.(*lfu).Frequency(0); f != 3 {
		t.Fatalf("freq(0) = %d, want 3", f)
	}
}

// Ties within the minimum bucket are broken by oldest access.
func TestLFU_TieBreakOldestAccess(t *testing.T) {
	t.Parallel()

	p := New().New(4)
	p.OnInsert(0)
	p.OnInsert(1)
	p.OnInsert(2)
	// All at frequency 2; slot 1 was accessed first, so it is the oldest.
	p.OnAccess(1)
	p.OnAccess(0)
	p.OnAccess(2)

	if v, _ := p.SelectVictim(); v != 1 {
		t.Fatalf("victim = %d, want 1", v)
	}
}

// The minimum frequency advances when its bucket empties through an access,
// and is recomputed when the last minimum slot is removed.
func TestLFU_MinFrequencyTracking(t *testing.T) {
	t.Parallel()

	p := New().New(4).(*lfu)
	p.OnInsert(0)
	p.OnInsert(1)
	p.OnAccess(0)
	p.OnAccess(0) // freq(0)=3
	p.OnAccess(1) // bucket 1 empties -> min 2

	if p.minFreq != 2 {
		t.Fatalf("minFreq = %d, want 2", p.minFreq)
	}
	p.OnRemove(1)
	if p.minFreq != 3 {
		t.Fatalf("minFreq after remove = %d, want 3", p.minFreq)
	}
	p.OnInsert(1)
	if p.minFreq != 1 {
		t.Fatalf("minFreq after insert = %d, want 1", p.minFreq)
	}
	if got := order(p); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("order = %v, want [0 1]", got)
	}
}

// Randomized check against a brute-force model: the victim always has the
// minimum frequency and, among those, the oldest access.
func TestLFU_MatchesModel(t *testing.T) {
	t.Parallel()

	const slots = 16
	r := rand.New(rand.NewSource(7))
	p := New().New(slots)

	freq := map[policy.Slot]int{}
	last := map[policy.Slot]int{}
	tick := 0

	for step := 0; step < 5000; step++ {
		s := policy.Slot(r.Intn(slots))
		tick++
		if _, ok := freq[s]; !ok {
			p.OnInsert(s)
			freq[s], last[s] = 1, tick
		} else if r.Intn(5) == 0 {
			p.OnRemove(s)
			delete(freq, s)
			delete(last, s)
		} else {
			p.OnAccess(s)
			freq[s]++
			last[s] = tick
		}

		if len(freq) == 0 {
			continue
		}
		want := policy.None
		for k, f := range freq {
			if want == policy.None || f < freq[want] || (f == freq[want] && last[k] < last[want]) {
				want = k
			}
		}
		got, ok := p.SelectVictim()
		if !ok || got != want {
			t.Fatalf("step %d: victim = %d, want %d (freq=%v)", step, got, want, freq)
		}
	}
}
