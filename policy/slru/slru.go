// Package slru implements the Segmented LRU eviction policy.
package slru

import (
	"math"

	"github.com/IvanBrykalov/quorumcache/policy"
)

// DefaultProbationRatio is the share of shard capacity given to the
// probationary segment when no ratio is configured.
const DefaultProbationRatio = 0.25

const (
	segNone uint8 = iota
	segProbation
	segProtected
)

// slru implements SLRU with two resident segments sharing one link arena:
//
//   - probation: admits first-time entries (MRU at head, victim at tail)
//   - protected: entries hit at least once after admission
//
// A hit on a probation slot promotes it to protected; if protected is full,
// its LRU tail is demoted to the probation head. Victims always come from the
// probation tail; protected slots leave only through demotion (or when
// probation is empty).
//
// Concurrency: all methods are called under the shard lock.
type slru struct {
	links        policy.Links
	probation    *policy.List
	protected    *policy.List
	seg          []uint8
	protectedCap int
}

type slruPolicy struct {
	ratio float64
}

// New constructs an SLRU factory. ratio is the probation share of the shard
// capacity in (0,1); out-of-range values fall back to DefaultProbationRatio.
func New(ratio float64) policy.Policy {
	if !(ratio > 0 && ratio < 1) {
		ratio = DefaultProbationRatio
	}
	return slruPolicy{ratio: ratio}
}

func (slruPolicy) Kind() policy.Kind { return policy.KindSLRU }

func (f slruPolicy) New(capacity int) policy.ShardPolicy {
	probCap := int(math.Ceil(float64(capacity) * f.ratio))
	if probCap < 1 {
		probCap = 1
	}
	protCap := capacity - probCap
	if protCap < 0 {
		protCap = 0
	}
	p := &slru{
		seg:          make([]uint8, 0, capacity+1),
		protectedCap: protCap,
	}
	p.probation = policy.NewList(&p.links)
	p.protected = policy.NewList(&p.links)
	return p
}

func (p *slru) setSeg(s policy.Slot, v uint8) {
	for policy.Slot(len(p.seg)) <= s {
		p.seg = append(p.seg, segNone)
	}
	p.seg[s] = v
}

// OnInsert admits a first-time entry into probation.
func (p *slru) OnInsert(s policy.Slot) {
	p.probation.PushFront(s)
	p.setSeg(s, segProbation)
}

// OnAccess promotes probation hits and refreshes protected hits.
func (p *slru) OnAccess(s policy.Slot) {
	switch p.seg[s] {
	case segProtected:
		p.protected.MoveToFront(s)
	case segProbation:
		if p.protectedCap == 0 {
			p.probation.MoveToFront(s)
			return
		}
		p.probation.Remove(s)
		if p.protected.Len() >= p.protectedCap {
			if d, ok := p.protected.PopBack(); ok {
				p.probation.PushFront(d)
				p.seg[d] = segProbation
			}
		}
		p.protected.PushFront(s)
		p.seg[s] = segProtected
	}
}

func (p *slru) OnRemove(s policy.Slot) {
	switch p.seg[s] {
	case segProbation:
		p.probation.Remove(s)
	case segProtected:
		p.protected.Remove(s)
	}
	p.seg[s] = segNone
}

func (p *slru) SelectVictim() (policy.Slot, bool) {
	if s := p.probation.Back(); s != policy.None {
		return s, true
	}
	if s := p.protected.Back(); s != policy.None {
		return s, true
	}
	return policy.None, false
}

// Walk visits protected slots first, then probation, each MRU to LRU.
func (p *slru) Walk(fn func(policy.Slot) bool) {
	if !p.protected.Walk(fn) {
		return
	}
	p.probation.Walk(fn)
}

func (p *slru) Len() int { return p.probation.Len() + p.protected.Len() }
