// Package lru implements the LRU eviction policy.
package lru

import "github.com/IvanBrykalov/quorumcache/policy"

// lru is a classic "move-to-front" Least-Recently-Used policy over a single
// slot list: head is MRU, tail is the eviction candidate.
type lru struct {
	links policy.Links
	list  *policy.List
}

type lruPolicy struct{}

// New returns a Policy factory that constructs per-shard LRU instances.
func New() policy.Policy { return lruPolicy{} }

func (lruPolicy) Kind() policy.Kind { return policy.KindLRU }

// New implements policy.Policy.
func (lruPolicy) New(capacity int) policy.ShardPolicy {
	p := &lru{links: policy.NewLinks(capacity)}
	p.list = policy.NewList(&p.links)
	return p
}

// OnInsert places the new entry at MRU.
func (p *lru) OnInsert(s policy.Slot) { p.list.PushFront(s) }

// OnAccess promotes the entry to MRU (updates count as recent use).
func (p *lru) OnAccess(s policy.Slot) { p.list.MoveToFront(s) }

func (p *lru) OnRemove(s policy.Slot) { p.list.Remove(s) }

// SelectVictim returns the LRU tail.
func (p *lru) SelectVictim() (policy.Slot, bool) {
	s := p.list.Back()
	return s, s != policy.None
}

func (p *lru) Walk(fn func(policy.Slot) bool) { p.list.Walk(fn) }

func (p *lru) Len() int { return p.list.Len() }
