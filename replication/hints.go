package replication

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HintStore keeps hinted handoffs until the intended replica recovers.
type HintStore interface {
	// Store saves a hint.
	Store(ctx context.Context, h HintedHandoff) error
	// ForReplica returns up to limit hints for the intended replica, oldest first.
	ForReplica(ctx context.Context, intended string, limit int) ([]HintedHandoff, error)
	// Delete removes a hint after a successful replay. Unknown ids are ignored.
	Delete(ctx context.Context, hintID string) error
	// Count returns the number of hints held for the intended replica.
	Count(ctx context.Context, intended string) (int, error)
	// Cleanup drops hints older than ttl and returns how many were dropped.
	Cleanup(ctx context.Context, ttl time.Duration) (int, error)
}

// MemoryHintStore is an in-process HintStore. When MaxPerReplica is
// positive the oldest hints for a replica are dropped to stay under it.
type MemoryHintStore struct {
	mu            sync.Mutex
	byReplica     map[string][]HintedHandoff
	maxPerReplica int
	dropped       int
}

// NewMemoryHintStore returns an empty store; maxPerReplica <= 0 means unbounded.
func NewMemoryHintStore(maxPerReplica int) *MemoryHintStore {
	return &MemoryHintStore{byReplica: make(map[string][]HintedHandoff), maxPerReplica: maxPerReplica}
}

func (s *MemoryHintStore) Store(_ context.Context, h HintedHandoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := append(s.byReplica[h.IntendedReplica], h)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].CreatedAt.Before(hs[j].CreatedAt) })
	if s.maxPerReplica > 0 && len(hs) > s.maxPerReplica {
		over := len(hs) - s.maxPerReplica
		s.dropped += over
		hs = append([]HintedHandoff(nil), hs[over:]...)
	}
	s.byReplica[h.IntendedReplica] = hs
	return nil
}

func (s *MemoryHintStore) ForReplica(_ context.Context, intended string, limit int) ([]HintedHandoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.byReplica[intended]
	if limit > 0 && len(hs) > limit {
		hs = hs[:limit]
	}
	return append([]HintedHandoff(nil), hs...), nil
}

func (s *MemoryHintStore) Delete(_ context.Context, hintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, hs := range s.byReplica {
		for i := range hs {
			if hs[i].HintID != hintID {
				continue
			}
			hs = append(hs[:i:i], hs[i+1:]...)
			if len(hs) == 0 {
				delete(s.byReplica, id)
			} else {
				s.byReplica[id] = hs
			}
			return nil
		}
	}
	return nil
}

func (s *MemoryHintStore) Count(_ context.Context, intended string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byReplica[intended]), nil
}

func (s *MemoryHintStore) Cleanup(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, hs := range s.byReplica {
		keep := hs[:0]
		for _, h := range hs {
			if h.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			keep = append(keep, h)
		}
		if len(keep) == 0 {
			delete(s.byReplica, id)
		} else {
			s.byReplica[id] = keep
		}
	}
	return n, nil
}

// Dropped returns how many hints were discarded by the per-replica cap.
func (s *MemoryHintStore) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
