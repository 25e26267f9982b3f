package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/store"
	"github.com/IvanBrykalov/quorumcache/store/memory"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

// Replica is a peer the coordinator talks to. LocalReplica is the in-process
// implementation; transport/grpcx provides a remote one.
type Replica interface {
	ID() string
	Propose(ctx context.Context, w ProposeWrite) (WriteAck, error)
	Read(ctx context.Context, r ReadRequest) (ReadResponse, error)
	// StoreHint parks a write intended for another replica.
	StoreHint(ctx context.Context, h HintedHandoff) (WriteAck, error)
	Hints(ctx context.Context, r HintsRequest) (HintsResponse, error)
	DropHint(ctx context.Context, r DropHintRequest) error
	Ping(ctx context.Context) error
}

// ReplicaOptions configures a LocalReplica.
type ReplicaOptions struct {
	// Store persists sibling sets; defaults to an in-memory store.
	Store store.Backend
	// Hints holds hinted handoffs parked on this replica.
	Hints HintStore
	// Causal buffers writes until their causal dependencies were applied.
	Causal bool
	// Inbox is the request queue depth (default 64).
	Inbox int
	// OnApply observes every record made visible, in delivery order.
	OnApply func(key string, rec Record)
	Logger  *zap.Logger
}

const (
	recordPrefix = "r/"
	appliedKey   = "m/applied"
)

// LocalReplica owns its state from a single goroutine. Every request is a
// message on the inbox; the loop applies them one at a time, so replica
// state needs no locks.
type LocalReplica struct {
	id    string
	opt   ReplicaOptions
	log   *zap.Logger
	inbox chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
	down  atomic.Bool
	once  sync.Once

	// Loop-owned.
	applied vclock.Clock
	pending []ProposeWrite
}

// NewLocalReplica starts the replica loop. The applied clock is restored
// from the store when present.
func NewLocalReplica(id string, o ReplicaOptions) (*LocalReplica, error) {
	if o.Store == nil {
		o.Store = memory.New()
	}
	if o.Hints == nil {
		o.Hints = NewMemoryHintStore(0)
	}
	if o.Inbox <= 0 {
		o.Inbox = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	r := &LocalReplica{
		id:      id,
		opt:     o,
		log:     o.Logger.With(zap.String("replica", id)),
		inbox:   make(chan func(), o.Inbox),
		stop:    make(chan struct{}),
		applied: vclock.Clock{},
	}
	raw, ok, err := o.Store.Get(context.Background(), appliedKey)
	if err != nil {
		return nil, fmt.Errorf("replica %s: load applied clock: %w", id, err)
	}
	if ok {
		if err := json.Unmarshal(raw, &r.applied); err != nil {
			return nil, fmt.Errorf("replica %s: decode applied clock: %w", id, err)
		}
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func (r *LocalReplica) ID() string { return r.id }

// SetDown simulates a crash or partition: while down every call fails
// with errs.ErrReplicaUnavailable. State is kept.
func (r *LocalReplica) SetDown(down bool) {
	r.down.Store(down)
	r.log.Info("replica availability changed", zap.Bool("down", down))
}

// Close stops the loop. Calls after Close fail.
func (r *LocalReplica) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
	return nil
}

func (r *LocalReplica) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case fn := <-r.inbox:
			fn()
		}
	}
}

// do sends fn to the loop and waits for it to run. A request already queued
// still runs if ctx expires while waiting for the reply.
func (r *LocalReplica) do(ctx context.Context, op string, fn func()) error {
	if r.down.Load() {
		return errs.E(errs.ErrReplicaUnavailable, op, r.id, nil)
	}
	done := make(chan struct{})
	msg := func() {
		defer close(done)
		fn()
	}
	select {
	case r.inbox <- msg:
	case <-r.stop:
		return errs.E(errs.ErrClosed, op, r.id, nil)
	case <-ctx.Done():
		return errs.E(errs.ErrReplicaUnavailable, op, r.id, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-r.stop:
		return errs.E(errs.ErrClosed, op, r.id, nil)
	case <-ctx.Done():
		return errs.E(errs.ErrReplicaUnavailable, op, r.id, ctx.Err())
	}
}

func (r *LocalReplica) Propose(ctx context.Context, w ProposeWrite) (WriteAck, error) {
	var (
		ack WriteAck
		err error
	)
	if e := r.do(ctx, "replica.propose", func() { ack, err = r.apply(ctx, w) }); e != nil {
		return WriteAck{}, e
	}
	return ack, err
}

func (r *LocalReplica) Read(ctx context.Context, q ReadRequest) (ReadResponse, error) {
	var (
		recs []Record
		err  error
	)
	if e := r.do(ctx, "replica.read", func() { recs, err = r.load(ctx, q.Key) }); e != nil {
		return ReadResponse{}, e
	}
	if err != nil {
		return ReadResponse{}, err
	}
	return ReadResponse{ReplicaID: r.id, Found: len(recs) > 0, Records: recs}, nil
}

func (r *LocalReplica) StoreHint(ctx context.Context, h HintedHandoff) (WriteAck, error) {
	var err error
	if e := r.do(ctx, "replica.store_hint", func() { err = r.opt.Hints.Store(ctx, h) }); e != nil {
		return WriteAck{}, e
	}
	if err != nil {
		return WriteAck{}, errs.E(errs.ErrBackingStore, "replica.store_hint", h.Write.Key, err)
	}
	return WriteAck{ReplicaID: r.id, Hinted: true}, nil
}

func (r *LocalReplica) Hints(ctx context.Context, q HintsRequest) (HintsResponse, error) {
	var (
		hs  []HintedHandoff
		err error
	)
	if e := r.do(ctx, "replica.hints", func() { hs, err = r.opt.Hints.ForReplica(ctx, q.Intended, q.Limit) }); e != nil {
		return HintsResponse{}, e
	}
	return HintsResponse{Hints: hs}, err
}

func (r *LocalReplica) DropHint(ctx context.Context, q DropHintRequest) error {
	var err error
	if e := r.do(ctx, "replica.drop_hint", func() { err = r.opt.Hints.Delete(ctx, q.HintID) }); e != nil {
		return e
	}
	return err
}

func (r *LocalReplica) Ping(ctx context.Context) error {
	return r.do(ctx, "replica.ping", func() {})
}

// HintCount returns the number of hints parked here for intended.
func (r *LocalReplica) HintCount(ctx context.Context, intended string) (int, error) {
	return r.opt.Hints.Count(ctx, intended)
}

// ---- loop-owned state ----

type delivery int

const (
	// next in origin order, dependencies met
	deliverNow delivery = iota
	// already covered by the applied clock
	deliverDup
	// dependencies missing
	deliverWait
)

// classify applies the causal delivery rule: a write from origin o with
// clock c is deliverable when c[o] == applied[o]+1 and c[n] <= applied[n]
// for every other node n.
func (r *LocalReplica) classify(rec Record) delivery {
	o := rec.Origin
	for n, v := range rec.Clock {
		if n != o && v > r.applied[n] {
			return deliverWait
		}
	}
	switch c := rec.Clock[o]; {
	case c <= r.applied[o]:
		return deliverDup
	case c == r.applied[o]+1:
		return deliverNow
	default:
		return deliverWait
	}
}

func (r *LocalReplica) apply(ctx context.Context, w ProposeWrite) (WriteAck, error) {
	ack := WriteAck{ReplicaID: r.id}
	if !r.opt.Causal {
		if err := r.merge(ctx, w); err != nil {
			return ack, err
		}
		ack.Applied = true
		return ack, nil
	}

	switch r.classify(w.Record) {
	case deliverDup:
		if err := r.merge(ctx, w); err != nil {
			return ack, err
		}
		ack.Applied = true
	case deliverNow:
		if err := r.deliver(ctx, w); err != nil {
			return ack, err
		}
		ack.Applied = true
		if err := r.drain(ctx); err != nil {
			return ack, err
		}
	case deliverWait:
		if w.Repair {
			r.log.Debug("dropping repair with undelivered dependencies",
				zap.String("key", w.Key), zap.Stringer("clock", w.Record.Clock))
			return ack, nil
		}
		r.pending = append(r.pending, w)
		ack.Buffered = true
	}
	return ack, nil
}

// deliver merges w and advances the applied clock for its origin.
func (r *LocalReplica) deliver(ctx context.Context, w ProposeWrite) error {
	if err := r.merge(ctx, w); err != nil {
		return err
	}
	r.applied = r.applied.Merge(vclock.Clock{w.Record.Origin: w.Record.Clock[w.Record.Origin]})
	raw, err := json.Marshal(r.applied)
	if err != nil {
		return err
	}
	if err := r.opt.Store.Set(ctx, appliedKey, raw); err != nil {
		return errs.E(errs.ErrBackingStore, "replica.apply", w.Key, err)
	}
	return nil
}

// drain delivers buffered writes whose dependencies are now satisfied,
// repeating until a pass makes no progress.
func (r *LocalReplica) drain(ctx context.Context) error {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(r.pending); i++ {
			w := r.pending[i]
			var err error
			switch r.classify(w.Record) {
			case deliverWait:
				continue
			case deliverNow:
				err = r.deliver(ctx, w)
			case deliverDup:
				err = r.merge(ctx, w)
			}
			if err != nil {
				return err
			}
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			i--
			progress = true
		}
	}
	return nil
}

func (r *LocalReplica) merge(ctx context.Context, w ProposeWrite) error {
	set, err := r.load(ctx, w.Key)
	if err != nil {
		return err
	}
	next, changed := mergeRecord(set, w.Record)
	if !changed {
		return nil
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := r.opt.Store.Set(ctx, recordPrefix+w.Key, raw); err != nil {
		return errs.E(errs.ErrBackingStore, "replica.apply", w.Key, err)
	}
	if r.opt.OnApply != nil {
		r.opt.OnApply(w.Key, w.Record)
	}
	return nil
}

func (r *LocalReplica) load(ctx context.Context, key string) ([]Record, error) {
	raw, ok, err := r.opt.Store.Get(ctx, recordPrefix+key)
	if err != nil {
		return nil, errs.E(errs.ErrBackingStore, "replica.read", key, err)
	}
	if !ok {
		return nil, nil
	}
	var set []Record
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("replica %s: decode %q: %w", r.id, key, err)
	}
	return set, nil
}

// Pending returns the number of writes buffered for causal delivery.
func (r *LocalReplica) Pending(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, "replica.pending", func() { n = len(r.pending) })
	return n, err
}
