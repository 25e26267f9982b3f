package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/IvanBrykalov/quorumcache/errs"
)

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

func (m lockMode) String() string {
	if m == lockExclusive {
		return "X"
	}
	return "S"
}

func conflicts(a, b lockMode) bool { return a == lockExclusive || b == lockExclusive }

type waiter struct {
	tx      uint64
	mode    lockMode
	ready   chan struct{}
	granted bool
}

type lockState struct {
	holders map[uint64]lockMode
	queue   []*waiter
}

// lockManager implements strict two-phase locking with shared/exclusive
// locks, FIFO granting and wait-for graph deadlock detection.
//
// A transaction waits on at most one key at a time, so its outgoing
// wait-for edges are fully described by the key it waits on; they are
// recomputed whenever that key's holders or queue change.
type lockManager struct {
	mu       sync.Mutex
	locks    map[string]*lockState
	held     map[uint64]map[string]struct{}
	waitsFor map[uint64]map[uint64]struct{}
	maxDepth int
}

func newLockManager(maxDepth int) *lockManager {
	return &lockManager{
		locks:    make(map[string]*lockState),
		held:     make(map[uint64]map[string]struct{}),
		waitsFor: make(map[uint64]map[uint64]struct{}),
		maxDepth: maxDepth,
	}
}

// acquire blocks until tx holds key in mode, ctx ends (ErrLockTimeout) or
// waiting would close a cycle in the wait-for graph (ErrDeadlockDetected;
// the requester is the victim).
func (lm *lockManager) acquire(ctx context.Context, tx uint64, key string, mode lockMode) error {
	lm.mu.Lock()
	st := lm.locks[key]
	if st == nil {
		st = &lockState{holders: make(map[uint64]lockMode)}
		lm.locks[key] = st
	}
	cur, holds := st.holders[tx]
	if holds && (cur == lockExclusive || mode == lockShared) {
		lm.mu.Unlock()
		return nil
	}
	upgrade := holds && mode == lockExclusive
	if lm.grantable(st, tx, mode) && (upgrade || len(st.queue) == 0) {
		lm.grantLocked(st, tx, key, mode)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, mode: mode, ready: make(chan struct{})}
	if upgrade {
		// Upgrades go first: the holder already excludes writers.
		st.queue = append([]*waiter{w}, st.queue...)
	} else {
		st.queue = append(st.queue, w)
	}
	lm.refreshEdges(st)
	if lm.cycleFrom(tx) {
		lm.dropWaiter(st, w)
		lm.refreshEdges(st)
		lm.mu.Unlock()
		return errs.E(errs.ErrDeadlockDetected, "txn.lock", key, fmt.Errorf("tx %d waiting for %s lock", tx, mode))
	}
	lm.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if w.granted {
			return nil
		}
		lm.dropWaiter(st, w)
		lm.promote(st, key)
		return errs.E(errs.ErrLockTimeout, "txn.lock", key, fmt.Errorf("tx %d waiting for %s lock: %w", tx, mode, ctx.Err()))
	}
}

// releaseAll drops every lock held by tx and wakes compatible waiters.
func (lm *lockManager) releaseAll(tx uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key := range lm.held[tx] {
		st := lm.locks[key]
		if st == nil {
			continue
		}
		delete(st.holders, tx)
		lm.promote(st, key)
	}
	delete(lm.held, tx)
	delete(lm.waitsFor, tx)
}

// grantable reports whether mode is compatible with every other holder.
func (lm *lockManager) grantable(st *lockState, tx uint64, mode lockMode) bool {
	for h, hm := range st.holders {
		if h != tx && conflicts(hm, mode) {
			return false
		}
	}
	return true
}

func (lm *lockManager) grantLocked(st *lockState, tx uint64, key string, mode lockMode) {
	st.holders[tx] = mode
	ks := lm.held[tx]
	if ks == nil {
		ks = make(map[string]struct{})
		lm.held[tx] = ks
	}
	ks[key] = struct{}{}
}

// promote grants queued requests in FIFO order until one does not fit.
func (lm *lockManager) promote(st *lockState, key string) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		if !lm.grantable(st, w.tx, w.mode) {
			break
		}
		st.queue = st.queue[1:]
		lm.grantLocked(st, w.tx, key, w.mode)
		w.granted = true
		delete(lm.waitsFor, w.tx)
		close(w.ready)
	}
	lm.refreshEdges(st)
	if len(st.holders) == 0 && len(st.queue) == 0 {
		delete(lm.locks, key)
	}
}

func (lm *lockManager) dropWaiter(st *lockState, w *waiter) {
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}
	delete(lm.waitsFor, w.tx)
}

// refreshEdges recomputes wait-for edges of every waiter on st: a waiter
// waits for conflicting holders and for conflicting waiters queued ahead.
func (lm *lockManager) refreshEdges(st *lockState) {
	for i, w := range st.queue {
		edges := make(map[uint64]struct{})
		for h, hm := range st.holders {
			if h != w.tx && conflicts(hm, w.mode) {
				edges[h] = struct{}{}
			}
		}
		for _, ahead := range st.queue[:i] {
			if ahead.tx != w.tx && conflicts(ahead.mode, w.mode) {
				edges[ahead.tx] = struct{}{}
			}
		}
		lm.waitsFor[w.tx] = edges
	}
}

// cycleFrom runs a depth-bounded DFS over the wait-for graph looking for a
// path back to start. Paths longer than maxDepth are not followed; such
// deadlocks resolve through lock timeouts.
func (lm *lockManager) cycleFrom(start uint64) bool {
	visited := make(map[uint64]bool)
	var dfs func(tx uint64, depth int) bool
	dfs = func(tx uint64, depth int) bool {
		if depth > lm.maxDepth {
			return false
		}
		for next := range lm.waitsFor[tx] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if dfs(next, depth+1) {
				return true
			}
		}
		return false
	}
	return dfs(start, 1)
}

// heldBy returns the number of locks tx holds.
func (lm *lockManager) heldBy(tx uint64) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.held[tx])
}
