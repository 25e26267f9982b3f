package writepolicy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/quorumcache/cache"
	"github.com/IvanBrykalov/quorumcache/errs"
)

const (
	defaultFlushInterval  = time.Second
	defaultFlushThreshold = 128
	defaultFlushTimeout   = 30 * time.Second
	flushParallelism      = 8
)

// op is one unflushed mutation. version is the cache version written with
// it (zero for deletes); a successful flush clears the dirty flag only when
// the cache still holds that version.
type op struct {
	value   []byte
	deleted bool
	version uint64
}

// dirtySet tracks unflushed mutations. Entries taken by a running flush move
// to inflight and remain visible to readers until the backing store has them.
type dirtySet struct {
	mu       sync.Mutex
	pending  map[string]op
	inflight map[string]op
}

func newDirtySet() *dirtySet {
	return &dirtySet{pending: make(map[string]op), inflight: make(map[string]op)}
}

func (d *dirtySet) put(key string, o op) int {
	d.mu.Lock()
	d.pending[key] = o
	n := len(d.pending)
	d.mu.Unlock()
	return n
}

func (d *dirtySet) lookup(key string) (op, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.pending[key]; ok {
		return o, true
	}
	o, ok := d.inflight[key]
	return o, ok
}

func (d *dirtySet) drain() map[string]op {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.pending
	d.pending = make(map[string]op)
	for k, o := range batch {
		d.inflight[k] = o
	}
	return batch
}

// done retires a flushed mutation. On failure the mutation goes back to
// pending unless a newer write for the same key superseded it.
func (d *dirtySet) done(key string, o op, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
	if failed {
		if _, newer := d.pending[key]; !newer {
			d.pending[key] = o
		}
	}
}

func (d *dirtySet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// writeBack acknowledges writes once the cache holds them and persists them
// later, on an interval or when enough keys are dirty. Unflushed writes are
// lost if the process dies.
type writeBack struct {
	*core

	dirty     *dirtySet
	flushMu   sync.Mutex // one flush at a time keeps per-key store order
	threshold int
	interval  time.Duration
	timeout   time.Duration

	kick      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newWriteBack(c *core, o Options) *writeBack {
	wb := &writeBack{
		core:      c,
		dirty:     newDirtySet(),
		threshold: o.FlushThreshold,
		interval:  o.FlushInterval,
		timeout:   o.FlushTimeout,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if wb.threshold <= 0 {
		wb.threshold = defaultFlushThreshold
	}
	if wb.interval <= 0 {
		wb.interval = defaultFlushInterval
	}
	if wb.timeout <= 0 {
		wb.timeout = defaultFlushTimeout
	}
	c.log.Warn("write-back enabled: unflushed writes are lost on crash",
		zap.Duration("flush_interval", wb.interval),
		zap.Int("flush_threshold", wb.threshold))

	wb.wg.Add(1)
	go wb.loop()
	return wb
}

func (p *writeBack) Kind() Kind { return WriteBack }

func (p *writeBack) Read(ctx context.Context, key string) ([]byte, error) {
	return p.read(ctx, key, func(k string) ([]byte, bool, bool) {
		o, ok := p.dirty.lookup(k)
		return o.value, o.deleted, ok
	})
}

func (p *writeBack) Write(_ context.Context, key string, value []byte) error {
	if p.closed() {
		return errs.E(errs.ErrClosed, "write", key, nil)
	}
	mu := p.locks.of(key)
	mu.Lock()
	ver := p.cache.Put(key, value, cache.PutOptions{Dirty: true})
	n := p.dirty.put(key, op{value: value, version: ver})
	mu.Unlock()

	p.met.DirtyKeys(n)
	if n >= p.threshold {
		p.signal()
	}
	return nil
}

func (p *writeBack) Delete(_ context.Context, key string) error {
	if p.closed() {
		return errs.E(errs.ErrClosed, "delete", key, nil)
	}
	mu := p.locks.of(key)
	mu.Lock()
	p.cache.Remove(key)
	n := p.dirty.put(key, op{deleted: true})
	mu.Unlock()

	p.met.DirtyKeys(n)
	if n >= p.threshold {
		p.signal()
	}
	return nil
}

// Flush writes every pending mutation to the backing store. Failed keys stay
// dirty and are retried by the next flush; the returned error joins their
// causes.
func (p *writeBack) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	batch := p.dirty.drain()
	if len(batch) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed []error
		g      errgroup.Group
	)
	g.SetLimit(flushParallelism)
	for key, o := range batch {
		g.Go(func() error {
			var err error
			if o.deleted {
				err = p.backend.Delete(ctx, key)
			} else {
				err = p.backend.Set(ctx, key, o.value)
			}
			p.dirty.done(key, o, err != nil)
			if err != nil {
				p.met.StoreError("flush")
				mu.Lock()
				failed = append(failed, errs.E(errs.ErrBackingStore, "flush", key, err))
				mu.Unlock()
				return nil
			}
			if !o.deleted {
				p.cache.MarkClean(key, o.version)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.met.Flushed(len(batch), len(failed))
	p.met.DirtyKeys(p.dirty.len())
	if len(failed) > 0 {
		p.log.Warn("write-back flush incomplete",
			zap.Int("keys", len(batch)), zap.Int("failed", len(failed)))
		return errors.Join(failed...)
	}
	p.log.Debug("write-back flush", zap.Int("keys", len(batch)))
	return nil
}

// Close stops the background flusher and performs a final flush.
func (p *writeBack) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.closeErr = p.Flush(ctx)
	})
	return p.closeErr
}

func (p *writeBack) closed() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *writeBack) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *writeBack) loop() {
	defer p.wg.Done()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
		case <-p.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.Flush(ctx); err != nil {
			p.log.Debug("background flush left dirty keys", zap.Error(err))
		}
		cancel()
	}
}
