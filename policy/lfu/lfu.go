// Package lfu implements the LFU eviction policy with O(1) frequency buckets.
package lfu

import (
	"sort"

	"github.com/IvanBrykalov/quorumcache/policy"
)

// lfu keeps one recency list per access frequency plus the current minimum
// frequency. A hit moves the slot to the head of bucket f+1, so within any
// bucket the tail is the slot with the oldest access. The victim is the tail
// of the minimum bucket: least frequent, ties broken by oldest access.
type lfu struct {
	links   policy.Links
	freq    []uint32
	buckets map[uint32]*policy.List
	minFreq uint32
	n       int
}

type lfuPolicy struct{}

// New returns a Policy factory that constructs per-shard LFU instances.
func New() policy.Policy { return lfuPolicy{} }

func (lfuPolicy) Kind() policy.Kind { return policy.KindLFU }

func (lfuPolicy) New(capacity int) policy.ShardPolicy {
	return &lfu{
		freq:    make([]uint32, 0, capacity+1),
		buckets: make(map[uint32]*policy.List),
	}
}

func (p *lfu) bucket(f uint32) *policy.List {
	b, ok := p.buckets[f]
	if !ok {
		b = policy.NewList(&p.links)
		p.buckets[f] = b
	}
	return b
}

func (p *lfu) setFreq(s policy.Slot, f uint32) {
	for policy.Slot(len(p.freq)) <= s {
		p.freq = append(p.freq, 0)
	}
	p.freq[s] = f
}

// detach unlinks s from its bucket, dropping the bucket when it empties.
func (p *lfu) detach(s policy.Slot) (f uint32, emptied bool) {
	f = p.freq[s]
	b := p.buckets[f]
	b.Remove(s)
	if b.Len() == 0 {
		delete(p.buckets, f)
		return f, true
	}
	return f, false
}

// OnInsert admits a new slot with frequency 1, which becomes the minimum.
func (p *lfu) OnInsert(s policy.Slot) {
	p.setFreq(s, 1)
	p.bucket(1).PushFront(s)
	p.minFreq = 1
	p.n++
}

// OnAccess increments the slot's frequency.
func (p *lfu) OnAccess(s policy.Slot) {
	f, emptied := p.detach(s)
	if emptied && f == p.minFreq {
		p.minFreq = f + 1
	}
	p.freq[s] = f + 1
	p.bucket(f + 1).PushFront(s)
}

func (p *lfu) OnRemove(s policy.Slot) {
	f, emptied := p.detach(s)
	p.freq[s] = 0
	p.n--
	if emptied && f == p.minFreq {
		p.recomputeMin()
	}
}

// recomputeMin runs only after removing the last slot of the minimum bucket,
// which is not on the access path.
func (p *lfu) recomputeMin() {
	p.minFreq = 0
	for f := range p.buckets {
		if p.minFreq == 0 || f < p.minFreq {
			p.minFreq = f
		}
	}
}

func (p *lfu) SelectVictim() (policy.Slot, bool) {
	if p.n == 0 {
		return policy.None, false
	}
	b := p.buckets[p.minFreq]
	return b.Back(), true
}

// Walk visits slots from the highest frequency bucket down; within a bucket,
// most recent first.
func (p *lfu) Walk(fn func(policy.Slot) bool) {
	freqs := make([]uint32, 0, len(p.buckets))
	for f := range p.buckets {
		freqs = append(freqs, f)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] > freqs[j] })
	for _, f := range freqs {
		if !p.buckets[f].Walk(fn) {
			return
		}
	}
}

func (p *lfu) Len() int { return p.n }

// Frequency returns the tracked access frequency of s (0 when untracked).
func (p *lfu) Frequency(s policy.Slot) uint32 {
	if int(s) >= len(p.freq) {
		return 0
	}
	return p.freq[s]
}
