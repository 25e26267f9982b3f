package cache

import (
	"strings"
	"testing"
)

// Fuzz basic Put/Get/MarkClean/Remove semantics under arbitrary string inputs.
// Guards against panics and ensures core invariants hold.
func FuzzCache_PutGetRemove(f *testing.F) {
	f.Add("", "")
	f.Add("a", "1")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		const limit = 1 << 12
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		c := New[string, string](Options[string, string]{Capacity: 16})
		t.Cleanup(func() { _ = c.Close() })

		v1 := c.Put(k, v, PutOptions{Dirty: true})
		got, ok := c.Get(k)
		if !ok || got != v {
			t.Fatalf("after Put/Get: want %q, got %q ok=%v", v, got, ok)
		}

		// Add duplicate must not overwrite and must return false.
		if c.Add(k, "other") {
			t.Fatalf("Add duplicate returned true")
		}

		// A rewrite bumps the version; cleaning the stale version is a no-op.
		v2 := c.Put(k, v, PutOptions{Dirty: true})
		if v2 <= v1 {
			t.Fatalf("version must increase: %d -> %d", v1, v2)
		}
		if c.MarkClean(k, v1) {
			t.Fatalf("MarkClean with stale version must fail")
		}
		if !c.MarkClean(k, v2) {
			t.Fatalf("MarkClean with current version must succeed")
		}
		if e, ok := c.Peek(k); !ok || e.Dirty {
			t.Fatalf("entry must be clean after MarkClean: %+v ok=%v", e, ok)
		}

		if !c.Remove(k) {
			t.Fatalf("Remove must return true")
		}
		if _, ok := c.Get(k); ok {
			t.Fatalf("key must be absent after Remove")
		}
		if !c.Add(k, v) {
			t.Fatalf("Add after Remove must return true")
		}
		if e, _ := c.Peek(k); e.Version <= v2 {
			t.Fatalf("re-inserted key must get a fresh version, got %d", e.Version)
		}
	})
}
