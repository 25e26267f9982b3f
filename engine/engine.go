// Package engine assembles the cache, write policy, replication layer and
// transaction manager from a config.Config and exposes them as one
// key-value API.
//
// Request path:
//
//	Tx (isolation) -> write policy -> cache (eviction) -> backend
//
// where the backend is either a plain store (memory, LevelDB, Redis) or
// the replication coordinator in front of N replicas.
package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/cache"
	"github.com/IvanBrykalov/quorumcache/config"
	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/replication"
	"github.com/IvanBrykalov/quorumcache/store"
	"github.com/IvanBrykalov/quorumcache/txn"
	"github.com/IvanBrykalov/quorumcache/writepolicy"
)

// Metrics is the union of the component metric hooks; metrics/prom.Adapter
// implements it.
type Metrics interface {
	cache.Metrics
	writepolicy.Metrics
	replication.Metrics
	txn.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg   config.Config
	log   *zap.Logger
	cache cache.Cache[string, []byte]
	wp    writepolicy.Policy
	txns  *txn.Manager
	level txn.Isolation

	coord    *replication.Coordinator
	local    []*replication.LocalReplica
	self     replication.Replica
	closers  []func() error
	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Cache       cache.Stats      `json:"cache"`
	WritePolicy writepolicy.Kind `json:"write_policy"`
	Isolation   txn.Isolation    `json:"isolation"`
	ActiveTxns  int              `json:"active_txns"`
	Replicas    []string         `json:"replicas,omitempty"`
	Fallbacks   []string         `json:"fallbacks,omitempty"`
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() config.Config { return e.cfg }

// Coordinator returns the replication coordinator, nil when replication
// is disabled.
func (e *Engine) Coordinator() *replication.Coordinator { return e.coord }

// LocalReplica returns the replica this process serves to its peers, nil
// when every replica is in-process or replication is disabled.
func (e *Engine) LocalReplica() replication.Replica { return e.self }

// Replicas returns the in-process replicas.
func (e *Engine) Replicas() []*replication.LocalReplica { return e.local }

// Begin starts a transaction; an empty level uses the configured default.
func (e *Engine) Begin(level txn.Isolation) *txn.Tx {
	if level == "" {
		level = e.level
	}
	return e.txns.Begin(level)
}

// Tx looks up an active transaction.
func (e *Engine) Tx(id uint64) (*txn.Tx, error) { return e.txns.Tx(id) }

// Get reads key in a single-operation transaction at the default level.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := e.autoCommit(ctx, func(tx *txn.Tx) error {
		v, err := tx.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

// Put writes key in a single-operation transaction.
func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	return e.autoCommit(ctx, func(tx *txn.Tx) error { return tx.Put(ctx, key, value) })
}

// Delete removes key in a single-operation transaction.
func (e *Engine) Delete(ctx context.Context, key string) error {
	return e.autoCommit(ctx, func(tx *txn.Tx) error { return tx.Delete(ctx, key) })
}

func (e *Engine) autoCommit(ctx context.Context, fn func(tx *txn.Tx) error) error {
	if e.isClosed() {
		return errs.E(errs.ErrClosed, "engine", "", nil)
	}
	tx := e.txns.Begin(e.level)
	if err := fn(tx); err != nil {
		if tx.Status() == txn.Active {
			_ = tx.Abort()
		}
		return err
	}
	return tx.Commit(ctx)
}

// Flush pushes pending write-back entries to the backend.
func (e *Engine) Flush(ctx context.Context) error { return e.wp.Flush(ctx) }

// Stats reports cache counters, the active configuration and replica sets.
func (e *Engine) Stats() Stats {
	s := Stats{
		Cache:       e.cache.Stats(),
		WritePolicy: e.wp.Kind(),
		Isolation:   e.level,
		ActiveTxns:  e.txns.Active(),
	}
	if e.coord != nil {
		s.Replicas, s.Fallbacks = e.coord.ReplicaIDs()
	}
	return s
}

// Close flushes the write policy and shuts down every component in
// dependency order. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return e.closeErr
	}
	e.closed = true

	var all []error
	if e.wp != nil {
		if err := e.wp.Close(); err != nil {
			e.log.Error("final flush failed", zap.Error(err))
			all = append(all, err)
		}
	}
	if e.coord != nil {
		all = append(all, e.coord.Close())
	}
	for _, r := range e.local {
		all = append(all, r.Close())
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		all = append(all, e.closers[i]())
	}
	if e.cache != nil {
		all = append(all, e.cache.Close())
	}
	e.closeErr = errors.Join(all...)
	e.log.Info("engine closed")
	return e.closeErr
}

func (e *Engine) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// policyStore lets transactions read through and commit into the write
// policy.
type policyStore struct{ p writepolicy.Policy }

func (s policyStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.p.Read(ctx, key)
	if errs.Is(err, errs.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s policyStore) Apply(ctx context.Context, w txn.Write) error {
	if w.Deleted {
		return s.p.Delete(ctx, w.Key)
	}
	return s.p.Write(ctx, w.Key, w.Value)
}

var _ store.Backend = (*replication.Coordinator)(nil)
