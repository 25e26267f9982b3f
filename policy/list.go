package policy

// Links is the prev/next storage shared by every List of one policy instance.
// A slot belongs to at most one list at a time, so a single pair of arrays
// is enough regardless of how many lists the policy keeps.
type Links struct {
	prev []Slot
	next []Slot
}

// NewLinks returns link storage with room for capacity slots before growing.
func NewLinks(capacity int) Links {
	if capacity < 0 {
		capacity = 0
	}
	return Links{
		prev: make([]Slot, 0, capacity+1),
		next: make([]Slot, 0, capacity+1),
	}
}

// ensure grows the arrays so that s is addressable.
func (l *Links) ensure(s Slot) {
	for Slot(len(l.prev)) <= s {
		l.prev = append(l.prev, None)
		l.next = append(l.next, None)
	}
}

// List is a doubly linked list of slots (head = most recent).
// The zero value is not usable; create lists with NewList.
type List struct {
	links *Links
	head  Slot
	tail  Slot
	n     int
}

// NewList returns an empty list that stores its links in l.
func NewList(l *Links) *List {
	return &List{links: l, head: None, tail: None}
}

func (q *List) Len() int    { return q.n }
func (q *List) Front() Slot { return q.head }
func (q *List) Back() Slot  { return q.tail }

// Next returns the slot after s (towards the tail).
func (q *List) Next(s Slot) Slot { return q.links.next[s] }

// PushFront inserts s at the head. s must not be linked in any list.
func (q *List) PushFront(s Slot) {
	l := q.links
	l.ensure(s)
	l.prev[s] = None
	l.next[s] = q.head
	if q.head != None {
		l.prev[q.head] = s
	}
	q.head = s
	if q.tail == None {
		q.tail = s
	}
	q.n++
}

// Remove unlinks s, which must be a member of q.
func (q *List) Remove(s Slot) {
	l := q.links
	p, n := l.prev[s], l.next[s]
	if p != None {
		l.next[p] = n
	} else {
		q.head = n
	}
	if n != None {
		l.prev[n] = p
	} else {
		q.tail = p
	}
	l.prev[s], l.next[s] = None, None
	q.n--
}

// MoveToFront promotes a member slot to the head.
func (q *List) MoveToFront(s Slot) {
	if q.head == s {
		return
	}
	q.Remove(s)
	q.PushFront(s)
}

// PopBack unlinks and returns the tail.
func (q *List) PopBack() (Slot, bool) {
	s := q.tail
	if s == None {
		return None, false
	}
	q.Remove(s)
	return s, true
}

// Walk visits members head to tail until fn returns false.
// It reports whether the walk ran to completion.
func (q *List) Walk(fn func(Slot) bool) bool {
	for s := q.head; s != None; s = q.links.next[s] {
		if !fn(s) {
			return false
		}
	}
	return true
}
