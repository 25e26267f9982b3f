package policy

import "testing"

func collect(q *List) []Slot {
	var out []Slot
	q.Walk(func(s Slot) bool { out = append(out, s); return true })
	return out
}

func equalSlots(a, b []Slot) bool {
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

func TestList_PushMoveRemove(t *testing.T) {
	t.Parallel()

	var l Links
	q := NewList(&l)
	for _, s := range []Slot{0, 1, 2, 3} {
		q.PushFront(s)
	}
	if got := collect(q); !equalSlots(got, []Slot{3, 2, 1, 0}) {
		t.Fatalf("push order: %v", got)
	}

	q.MoveToFront(0)
	q.Remove(2)
	if got := collect(q); !equalSlots(got, []Slot{0, 3, 1}) {
		t.Fatalf("after move/remove: %v", got)
	}
	if q.Len() != 3 || q.Front() != 0 || q.Back() != 1 {
		t.Fatalf("len=%d front=%d back=%d", q.Len(), q.Front(), q.Back())
	}

	s, ok := q.PopBack()
	if !ok || s != 1 {
		t.Fatalf("PopBack = %d,%v", s, ok)
	}
	q.Remove(0)
	q.Remove(3)
	if _, ok := q.PopBack(); ok || q.Len() != 0 {
		t.Fatal("list must be empty")
	}
}

// Two lists sharing one Links arena must not disturb each other.
func TestList_SharedLinks(t *testing.T) {
	t.Parallel()

	var l Links
	a, b := NewList(&l), NewList(&l)
	a.PushFront(5)
	b.PushFront(1)
	a.PushFront(2)
	b.PushFront(7)

	a.Remove(5)
	b.PushFront(5)

	if got := collect(a); !equalSlots(got, []Slot{2}) {
		t.Fatalf("a = %v", got)
	}
	if got := collect(b); !equalSlots(got, []Slot{5, 7, 1}) {
		t.Fatalf("b = %v", got)
	}
}

func TestNewLinks_GrowsPastCapacity(t *testing.T) {
	t.Parallel()

	l := NewLinks(2)
	if cap(l.prev) != 3 || len(l.prev) != 0 {
		t.Fatalf("prealloc: len=%d cap=%d", len(l.prev), cap(l.prev))
	}
	q := NewList(&l)
	for _, s := range []Slot{0, 1, 2, 5} {
		q.PushFront(s)
	}
	if got := collect(q); !equalSlots(got, []Slot{5, 2, 1, 0}) {
		t.Fatalf("order: %v", got)
	}
	if bad := NewLinks(-1); cap(bad.next) != 1 {
		t.Fatalf("negative capacity: cap=%d", cap(bad.next))
	}
}
