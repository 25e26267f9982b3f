package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/quorumcache/config"
	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/store/memory"
	"github.com/IvanBrykalov/quorumcache/txn"
)

func newEngine(t *testing.T, tune func(c *config.Config), backend *memory.Store) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Replication.HandoffInterval = 0
	if tune != nil {
		tune(cfg)
	}
	o := Options{Config: cfg}
	if backend != nil {
		o.Backend = backend
	}
	e, err := New(context.Background(), o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_PutGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, nil, nil)

	require.NoError(t, e.Put(ctx, "k", []byte("v")))
	v, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	require.NoError(t, e.Delete(ctx, "k"))
	_, err = e.Get(ctx, "k")
	assert.True(t, errs.Is(err, errs.ErrCacheMiss))

	st := e.Stats()
	assert.Equal(t, "write-through", string(st.WritePolicy))
	assert.Equal(t, txn.ReadCommitted, st.Isolation)
	assert.Zero(t, st.ActiveTxns)
}

func TestEngine_LRUScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, func(c *config.Config) { c.Cache.Capacity = 3 }, nil)

	for _, k := range []string{"A", "B", "C"} {
		require.NoError(t, e.Put(ctx, k, []byte(k)))
	}
	_, err := e.Get(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, "D", []byte("D")))

	assert.Equal(t, []string{"D", "A", "C"}, e.cache.Keys())

	// B was evicted from the cache only; the backing store still has it.
	v, err := e.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", string(v))
}

func TestEngine_DefaultConfigEvictsGlobally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, func(c *config.Config) { c.Cache.Capacity = 8 }, nil)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Put(ctx, k, []byte(k)))
	}
	st := e.Stats()
	assert.Equal(t, 3, st.Cache.Entries)
	assert.Zero(t, st.Cache.Evictions, "three keys fit a capacity of eight")
}

func TestEngine_WriteBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	e := newEngine(t, func(c *config.Config) {
		c.Write.Policy = "write-back"
		c.Write.FlushInterval = time.Hour
		c.Write.FlushThreshold = 1000
	}, backend)

	require.NoError(t, e.Put(ctx, "k", []byte("v")))
	_, found, _ := backend.Get(ctx, "k")
	assert.False(t, found, "write-back defers the store write")

	v, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	require.NoError(t, e.Flush(ctx))
	got, found, _ := backend.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, "v", string(got))
}

func TestEngine_CloseFlushes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	cfg := config.Default()
	cfg.Write.Policy = "write-back"
	cfg.Write.FlushInterval = time.Hour
	e, err := New(ctx, Options{Config: cfg, Backend: backend})
	require.NoError(t, err)

	require.NoError(t, e.Put(ctx, "k", []byte("v")))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, found, _ := backend.Get(ctx, "k")
	assert.True(t, found)
	assert.True(t, errs.Is(e.Put(ctx, "x", nil), errs.ErrClosed))
}

func TestEngine_ReplicatedQuorum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, func(c *config.Config) {
		c.Replication.Enabled = true
		c.Replication.ReplicaCount = 3
		c.Replication.WriteQuorum = 2
		c.Replication.ReadQuorum = 2
		c.Replication.ConsistencyModel = "linearizable"
		c.Replication.WriteTimeout = 500 * time.Millisecond
		c.Replication.ReadTimeout = 500 * time.Millisecond
	}, nil)
	require.Len(t, e.Replicas(), 3)
	require.NotNil(t, e.Coordinator())
	assert.Nil(t, e.LocalReplica())

	e.Replicas()[2].SetDown(true)
	require.NoError(t, e.Put(ctx, "X", []byte("10")))

	res, err := e.Coordinator().Read(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "10", string(res.Value))

	st := e.Stats()
	assert.Equal(t, []string{"node-1-r1", "node-1-r2", "node-1-r3"}, st.Replicas)

	e.Replicas()[1].SetDown(true)
	err = e.Put(ctx, "Y", []byte("1"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrQuorumUnavailable) || errs.Is(err, errs.ErrLockTimeout), "%v", err)
}

func TestEngine_SerializableConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, nil, nil)
	require.NoError(t, e.Put(ctx, "n", []byte("0")))

	t1 := e.Begin(txn.Serializable)
	t2 := e.Begin(txn.Serializable)
	_, err := t1.Get(ctx, "n")
	require.NoError(t, err)
	_, err = t2.Get(ctx, "n")
	require.NoError(t, err)
	require.NoError(t, t1.Put(ctx, "n", []byte("1")))
	require.NoError(t, t2.Put(ctx, "n", []byte("2")))

	require.NoError(t, t1.Commit(ctx))
	assert.True(t, errs.Is(t2.Commit(ctx), errs.ErrWriteConflict))

	v, err := e.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	_, err = e.Tx(t1.ID())
	assert.True(t, errs.Is(err, errs.ErrTxNotActive))
}

// refusingBackend fails every Set of one key.
type refusingBackend struct {
	*memory.Store
	key string
}

func (b refusingBackend) Set(ctx context.Context, key string, value []byte) error {
	if key == b.key {
		return errors.New("write refused")
	}
	return b.Store.Set(ctx, key, value)
}

func TestEngine_FailedCommitLeavesNoPartialWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	cfg := config.Default()
	cfg.Replication.HandoffInterval = 0
	e, err := New(ctx, Options{Config: cfg, Backend: refusingBackend{Store: backend, key: "b"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tx := e.Begin(txn.Serializable)
	require.NoError(t, tx.Put(ctx, "a", []byte("1")))
	require.NoError(t, tx.Put(ctx, "b", []byte("1")))
	require.Error(t, tx.Commit(ctx))

	_, err = e.Get(ctx, "a")
	assert.True(t, errs.Is(err, errs.ErrCacheMiss), "a must not survive the failed commit, got %v", err)
	_, found, err := backend.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Cache.EvictionPolicy = "fifo"
	_, err := New(context.Background(), Options{Config: cfg})
	assert.True(t, errs.Is(err, errs.ErrInvalidConfig))
}

func TestEngine_WarmOnStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, backend.Set(ctx, k, []byte("v-"+k)))
	}

	e := newEngine(t, func(c *config.Config) {
		c.Cache.Capacity = 3
		c.Cache.WarmOnStart = true
	}, backend)

	st := e.Stats()
	assert.Equal(t, 3, st.Cache.Entries, "warm-up stops at capacity")
	assert.Zero(t, st.Cache.Evictions)

	v, err := e.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "v-d", string(v), "keys left out are still read through")
}
