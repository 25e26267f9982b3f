// Package txn provides transactions with the four standard isolation levels
// on top of a key-value store.
//
//   - read-uncommitted: writes are published to a shared overlay as they
//     happen and read-uncommitted readers see them; aborts withdraw them.
//   - read-committed: writes are buffered until commit; reads return the
//     latest committed value (or the transaction's own write).
//   - repeatable-read: MVCC. Each transaction reads a snapshot fixed at
//     Begin from per-key version chains.
//   - serializable: optimistic (snapshot reads, read-set validation at
//     commit) or strict two-phase locking with deadlock detection.
//
// Commits are serialized. A commit first applies the write set to the
// store, then installs the new versions under a fresh commit timestamp.
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/errs"
)

// Isolation is a transaction isolation level.
type Isolation string

const (
	ReadUncommitted Isolation = "read-uncommitted"
	ReadCommitted   Isolation = "read-committed"
	RepeatableRead  Isolation = "repeatable-read"
	Serializable    Isolation = "serializable"
)

// ParseIsolation validates an isolation level name.
func ParseIsolation(s string) (Isolation, error) {
	switch l := Isolation(s); l {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return l, nil
	}
	return "", fmt.Errorf("txn: unknown isolation level %q", s)
}

// SerializableMode selects the concurrency control used for Serializable.
type SerializableMode string

const (
	Optimistic     SerializableMode = "occ"
	TwoPhaseLocked SerializableMode = "2pl"
)

// Write is one entry of a committed write set.
type Write struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is what transactions read from and commit into.
type Store interface {
	// Load returns the current value; found=false for absent keys.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Apply persists one write. A commit applies its write set key by key
	// and writes the prior values back if a later key fails.
	Apply(ctx context.Context, w Write) error
}

// Metrics receives transaction outcomes.
type Metrics interface {
	// Finished reports a terminal transaction: committed, aborted,
	// conflict, deadlock, timeout or error.
	Finished(level Isolation, outcome string)
	LockWait(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Finished(Isolation, string) {}
func (noopMetrics) LockWait(time.Duration)     {}

// Options configures a Manager.
type Options struct {
	Store Store
	Mode  SerializableMode // default Optimistic
	// LockTimeout bounds 2PL lock waits when the caller's context has no
	// deadline (default 1s).
	LockTimeout time.Duration
	// DeadlockSearchDepth bounds the wait-for cycle search (default 64).
	DeadlockSearchDepth int
	Logger              *zap.Logger
	Metrics             Metrics
}

// Manager creates and tracks transactions.
type Manager struct {
	store       Store
	mode        SerializableMode
	lockTimeout time.Duration
	locks       *lockManager
	log         *zap.Logger
	met         Metrics

	nextID   atomic.Uint64
	commitMu sync.Mutex

	mu      sync.Mutex
	ts      uint64 // last commit timestamp
	chains  map[string]*chain
	active  map[uint64]*Tx
	overlay map[string]dirtyWrite
}

// dirtyWrite is an uncommitted write published by a read-uncommitted
// transaction.
type dirtyWrite struct {
	tx      uint64
	value   []byte
	deleted bool
}

// NewManager returns a Manager over o.Store.
func NewManager(o Options) (*Manager, error) {
	if o.Store == nil {
		return nil, errs.E(errs.ErrInvalidConfig, "txn", "", fmt.Errorf("store is required"))
	}
	switch o.Mode {
	case "":
		o.Mode = Optimistic
	case Optimistic, TwoPhaseLocked:
	default:
		return nil, errs.E(errs.ErrInvalidConfig, "txn", "", fmt.Errorf("unknown serializable mode %q", o.Mode))
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = time.Second
	}
	if o.DeadlockSearchDepth <= 0 {
		o.DeadlockSearchDepth = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	return &Manager{
		store:       o.Store,
		mode:        o.Mode,
		lockTimeout: o.LockTimeout,
		locks:       newLockManager(o.DeadlockSearchDepth),
		log:         o.Logger,
		met:         o.Metrics,
		chains:      make(map[string]*chain),
		active:      make(map[uint64]*Tx),
		overlay:     make(map[string]dirtyWrite),
	}, nil
}

// Begin starts a transaction. Ids are never reused.
func (m *Manager) Begin(level Isolation) *Tx {
	t := &Tx{
		m:      m,
		id:     m.nextID.Add(1),
		level:  level,
		reads:  make(map[string]uint64),
		writes: make(map[string]Write),
	}
	if level == Serializable {
		t.locking = m.mode == TwoPhaseLocked
	}
	m.mu.Lock()
	t.snapshot = m.ts
	m.active[t.id] = t
	m.mu.Unlock()
	return t
}

// Tx returns the active transaction with the given id.
func (m *Manager) Tx(id uint64) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, errs.E(errs.ErrTxNotActive, "txn.lookup", fmt.Sprint(id), nil)
	}
	return t, nil
}

// Active returns the number of transactions not yet finished.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Mode returns the serializable concurrency control in use.
func (m *Manager) Mode() SerializableMode { return m.mode }

// readAt returns the version of key visible at snapshot. Keys without a
// chain get one whose base version is the store's current value.
func (m *Manager) readAt(ctx context.Context, key string, snapshot uint64) (version, error) {
	m.mu.Lock()
	if c := m.chains[key]; c != nil {
		v := c.at(snapshot)
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	val, found, err := m.store.Load(ctx, key)
	if err != nil {
		return version{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.chains[key]; c != nil {
		return c.at(snapshot), nil
	}
	c := &chain{versions: []version{{value: val, deleted: !found}}}
	m.chains[key] = c
	return c.versions[0], nil
}

// readLatest returns the latest committed state of key.
func (m *Manager) readLatest(ctx context.Context, key string) (version, error) {
	m.mu.Lock()
	if c := m.chains[key]; c != nil {
		v := c.latest()
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()
	val, found, err := m.store.Load(ctx, key)
	if err != nil {
		return version{}, err
	}
	return version{value: val, deleted: !found}, nil
}

// latestTS is the commit timestamp of the newest version of key; 0 when
// the key was not committed while tracked.
func (m *Manager) latestTS(key string) uint64 {
	if c := m.chains[key]; c != nil {
		return c.latest().ts
	}
	return 0
}

// ensureBase records the pre-commit store value as the base version of
// key, so snapshots older than the commit keep seeing it. Called with
// commitMu held.
func (m *Manager) ensureBase(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.chains[key]
	m.mu.Unlock()
	if ok {
		return nil
	}
	val, found, err := m.store.Load(ctx, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.chains[key]; !ok {
		m.chains[key] = &chain{versions: []version{{value: val, deleted: !found}}}
	}
	m.mu.Unlock()
	return nil
}

// restore writes back the pre-commit values of keys a failed commit had
// already applied, newest first. It runs with commitMu held.
func (m *Manager) restore(ctx context.Context, tx uint64, prior []Write) {
	ctx = context.WithoutCancel(ctx)
	for i := len(prior) - 1; i >= 0; i-- {
		if err := m.store.Apply(ctx, prior[i]); err != nil {
			m.log.Error("failed to restore key after partial commit",
				zap.Uint64("tx", tx), zap.String("key", prior[i].Key), zap.Error(err))
		}
	}
}

// install publishes a committed write set under the next timestamp.
func (m *Manager) install(writes []Write) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ts++
	for _, w := range writes {
		m.chains[w.Key].append(version{ts: m.ts, value: w.Value, deleted: w.Deleted})
	}
	return m.ts
}

// finish removes t from the active set, withdraws its overlay writes and
// prunes versions no remaining snapshot can see.
func (m *Manager) finish(t *Tx) {
	if t.locking {
		m.locks.releaseAll(t.id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, t.id)
	for k := range t.writes {
		if d, ok := m.overlay[k]; ok && d.tx == t.id {
			delete(m.overlay, k)
		}
	}
	m.gcLocked()
}

func (m *Manager) gcLocked() {
	if len(m.active) == 0 {
		// The store holds the latest committed state of every key.
		clear(m.chains)
		return
	}
	oldest := m.ts
	for _, t := range m.active {
		if t.snapshot < oldest {
			oldest = t.snapshot
		}
	}
	for _, c := range m.chains {
		c.prune(oldest)
	}
}
