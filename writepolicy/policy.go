// Package writepolicy controls how writes travel from the cache to the
// backing store: write-through, write-back or write-around.
//
// All three share cache-aside reads: the cache is consulted first and a miss
// is loaded from the backing store once per key (singleflight), then cached.
// Writes to one key are serialized with cache population for that key by a
// striped lock, so a slow loader can never overwrite a newer write with a
// stale backing-store value.
package writepolicy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/cache"
	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/internal/singleflight"
	"github.com/IvanBrykalov/quorumcache/internal/util"
	"github.com/IvanBrykalov/quorumcache/store"
)

// Kind names a write policy.
type Kind string

const (
	WriteThrough Kind = "write-through"
	WriteBack    Kind = "write-back"
	WriteAround  Kind = "write-around"
)

// ParseKind validates a configured policy name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case WriteThrough, WriteBack, WriteAround:
		return k, nil
	}
	return "", fmt.Errorf("writepolicy: unknown write policy %q", s)
}

// Policy is the write-propagation strategy in front of a backing store.
type Policy interface {
	Kind() Kind
	// Read returns the value for key. A key absent from both the cache and
	// the backing store yields an error matching errs.ErrCacheMiss.
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Flush drains pending writes (write-back); a no-op for other policies.
	Flush(ctx context.Context) error
	Close() error
}

// Metrics receives write-policy signals.
type Metrics interface {
	StoreError(op string)
	Flushed(keys, failed int)
	DirtyKeys(n int)
}

type noopMetrics struct{}

func (noopMetrics) StoreError(string) {}
func (noopMetrics) Flushed(int, int)  {}
func (noopMetrics) DirtyKeys(int)     {}

// Options configures New.
type Options struct {
	Kind    Kind
	Cache   cache.Cache[string, []byte]
	Backend store.Backend

	// Write-back only.
	FlushInterval  time.Duration // default 1s
	FlushThreshold int           // dirty keys that trigger an early flush; default 128
	FlushTimeout   time.Duration // per background flush; default 30s

	Logger  *zap.Logger
	Metrics Metrics
}

// New builds the policy selected by o.Kind.
func New(o Options) (Policy, error) {
	if o.Cache == nil || o.Backend == nil {
		return nil, errs.E(errs.ErrInvalidConfig, "writepolicy", "", fmt.Errorf("cache and backend are required"))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	c := &core{
		cache:   o.Cache,
		backend: o.Backend,
		log:     o.Logger.With(zap.String("write_policy", string(o.Kind))),
		met:     o.Metrics,
	}
	switch o.Kind {
	case WriteThrough:
		return &writeThrough{core: c}, nil
	case WriteAround:
		return &writeAround{core: c}, nil
	case WriteBack:
		return newWriteBack(c, o), nil
	}
	_, err := ParseKind(string(o.Kind))
	return nil, errs.E(errs.ErrInvalidConfig, "writepolicy", "", err)
}

// core holds what every policy shares: the cache, the backend, load
// coalescing and per-key write serialization.
type core struct {
	cache   cache.Cache[string, []byte]
	backend store.Backend
	sf      singleflight.Group[string, []byte]
	locks   stripes
	log     *zap.Logger
	met     Metrics
}

// pendingFn lets write-back answer a miss from unflushed writes.
// found=false falls through to the backing store.
type pendingFn func(key string) (value []byte, deleted, found bool)

// read implements cache-aside reads.
func (c *core) read(ctx context.Context, key string, pending pendingFn) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	return c.sf.Do(ctx, key, func() ([]byte, error) {
		mu := c.locks.of(key)
		mu.Lock()
		defer mu.Unlock()

		if e, ok := c.cache.Peek(key); ok {
			return e.Value, nil
		}
		if pending != nil {
			if v, deleted, found := pending(key); found {
				if deleted {
					return nil, errs.E(errs.ErrCacheMiss, "read", key, nil)
				}
				return v, nil
			}
		}
		v, found, err := c.backend.Get(ctx, key)
		if err != nil {
			c.met.StoreError("get")
			return nil, errs.E(errs.ErrBackingStore, "read", key, err)
		}
		if !found {
			return nil, errs.E(errs.ErrCacheMiss, "read", key, nil)
		}
		c.cache.Set(key, v)
		return v, nil
	})
}

func (c *core) storeErr(op, key string, err error) error {
	c.met.StoreError(op)
	c.log.Warn("backing store operation failed",
		zap.String("op", op), zap.String("key", key), zap.Error(err))
	return errs.E(errs.ErrBackingStore, op, key, err)
}

const stripeCount = 64

// stripes is a fixed pool of mutexes indexed by key hash.
type stripes [stripeCount]sync.Mutex

func (s *stripes) of(key string) *sync.Mutex {
	return &s[util.ShardIndex(util.Hash(key), stripeCount)]
}
