package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/errs"
)

// Status is a transaction state. Committed and Aborted are terminal.
type Status int

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Tx is a transaction. Its methods are safe for concurrent use but a
// transaction is normally driven by one goroutine.
type Tx struct {
	m        *Manager
	id       uint64
	level    Isolation
	locking  bool
	snapshot uint64

	mu     sync.Mutex
	status Status
	reads  map[string]uint64 // key -> commit ts observed
	writes map[string]Write
	order  []string
}

func (t *Tx) ID() uint64       { return t.id }
func (t *Tx) Level() Isolation { return t.level }
func (t *Tx) Snapshot() uint64 { return t.snapshot }

func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Get reads key at the transaction's isolation level. Absent and deleted
// keys yield errs.ErrCacheMiss.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("txn.get", key); err != nil {
		return nil, err
	}
	if w, ok := t.writes[key]; ok {
		return t.result(key, w.Value, w.Deleted)
	}

	var (
		v   version
		err error
	)
	switch {
	case t.level == ReadUncommitted:
		t.m.mu.Lock()
		d, dirty := t.m.overlay[key]
		t.m.mu.Unlock()
		if dirty {
			return t.result(key, d.value, d.deleted)
		}
		v, err = t.m.readLatest(ctx, key)
	case t.level == ReadCommitted:
		v, err = t.m.readLatest(ctx, key)
	case t.locking:
		if err := t.lock(ctx, key, lockShared); err != nil {
			return nil, err
		}
		v, err = t.m.readLatest(ctx, key)
	default: // repeatable read, optimistic serializable
		v, err = t.m.readAt(ctx, key, t.snapshot)
		if err == nil {
			if _, seen := t.reads[key]; !seen {
				t.reads[key] = v.ts
			}
		}
	}
	if err != nil {
		return nil, t.fail("txn.get", key, err)
	}
	return t.result(key, v.value, v.deleted)
}

// Put buffers a write of key.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return t.write(ctx, "txn.put", Write{Key: key, Value: value})
}

// Delete buffers a deletion of key.
func (t *Tx) Delete(ctx context.Context, key string) error {
	return t.write(ctx, "txn.delete", Write{Key: key, Deleted: true})
}

func (t *Tx) write(ctx context.Context, op string, w Write) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(op, w.Key); err != nil {
		return err
	}
	if t.locking {
		if err := t.lock(ctx, w.Key, lockExclusive); err != nil {
			return err
		}
	}
	if _, ok := t.writes[w.Key]; !ok {
		t.order = append(t.order, w.Key)
	}
	t.writes[w.Key] = w
	if t.level == ReadUncommitted {
		t.m.mu.Lock()
		t.m.overlay[w.Key] = dirtyWrite{tx: t.id, value: w.Value, deleted: w.Deleted}
		t.m.mu.Unlock()
	}
	return nil
}

// Commit validates (optimistic serializable), applies the write set to the
// store and publishes it. Any failure aborts the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("txn.commit", ""); err != nil {
		return err
	}

	m := t.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if t.level == Serializable && !t.locking && len(t.writes) > 0 {
		if key, ok := t.validate(); !ok {
			t.abortLocked("conflict")
			return errs.E(errs.ErrWriteConflict, "txn.commit", key,
				fmt.Errorf("tx %d: key changed since it was read", t.id))
		}
	}

	if len(t.writes) > 0 {
		ws := make([]Write, 0, len(t.order))
		prior := make([]Write, 0, len(t.order))
		for _, k := range t.order {
			ws = append(ws, t.writes[k])
			if err := m.ensureBase(ctx, k); err != nil {
				t.abortLocked("error")
				return errs.E(errs.ErrBackingStore, "txn.commit", k, err)
			}
			val, found, err := m.store.Load(ctx, k)
			if err != nil {
				t.abortLocked("error")
				return errs.E(errs.ErrBackingStore, "txn.commit", k, err)
			}
			prior = append(prior, Write{Key: k, Value: val, Deleted: !found})
		}
		for i, w := range ws {
			if err := m.store.Apply(ctx, w); err != nil {
				m.log.Warn("commit failed to apply write set",
					zap.Uint64("tx", t.id), zap.String("key", w.Key),
					zap.Int("applied", i), zap.Int("writes", len(ws)), zap.Error(err))
				m.restore(ctx, t.id, prior[:i])
				t.abortLocked("error")
				return err
			}
		}
		m.install(ws)
	}

	t.status = Committed
	m.finish(t)
	m.met.Finished(t.level, "committed")
	return nil
}

// validate checks that every key read is still at the version observed.
func (t *Tx) validate() (string, bool) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	keys := make([]string, 0, len(t.reads))
	for k := range t.reads {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if t.m.latestTS(k) != t.reads[k] {
			return k, false
		}
	}
	return "", true
}

// Abort discards the transaction. Aborting a finished transaction fails
// with errs.ErrTxNotActive.
func (t *Tx) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("txn.abort", ""); err != nil {
		return err
	}
	t.abortLocked("aborted")
	return nil
}

func (t *Tx) abortLocked(outcome string) {
	t.status = Aborted
	t.m.finish(t)
	t.m.met.Finished(t.level, outcome)
	if outcome != "aborted" {
		t.m.log.Debug("transaction aborted", zap.Uint64("tx", t.id), zap.String("reason", outcome))
	}
}

func (t *Tx) checkActive(op, key string) error {
	if t.status != Active {
		return errs.E(errs.ErrTxNotActive, op, key, fmt.Errorf("tx %d is %s", t.id, t.status))
	}
	return nil
}

// lock acquires a 2PL lock. Deadlock victims and timed out waiters are
// aborted, which releases every lock they hold.
func (t *Tx) lock(ctx context.Context, key string, mode lockMode) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.m.lockTimeout)
		defer cancel()
	}
	start := time.Now()
	err := t.m.locks.acquire(ctx, t.id, key, mode)
	t.m.met.LockWait(time.Since(start))
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errs.ErrDeadlockDetected):
		t.abortLocked("deadlock")
	default:
		t.abortLocked("timeout")
	}
	return err
}

// fail aborts on store errors so a half-read transaction cannot commit.
func (t *Tx) fail(op, key string, err error) error {
	t.abortLocked("error")
	return errs.E(errs.ErrBackingStore, op, key, err)
}

func (t *Tx) result(key string, value []byte, deleted bool) ([]byte, error) {
	if deleted {
		return nil, errs.E(errs.ErrCacheMiss, "txn.get", key, nil)
	}
	return value, nil
}
