package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

func cluster(t *testing.T, n int, causal bool) []*LocalReplica {
	t.Helper()
	rs := make([]*LocalReplica, n)
	for i := range rs {
		r, err := NewLocalReplica(fmt.Sprintf("r%d", i+1), ReplicaOptions{Causal: causal})
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		rs[i] = r
	}
	return rs
}

func asReplicas(rs []*LocalReplica) []Replica {
	out := make([]Replica, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func newCoordinator(t *testing.T, cfg Config, rs []Replica) *Coordinator {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "c1"
	}
	c, err := New(Options{Config: cfg, Replicas: rs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readLocal(t *testing.T, r *LocalReplica, key string) []Record {
	t.Helper()
	resp, err := r.Read(context.Background(), ReadRequest{Key: key})
	require.NoError(t, err)
	return resp.Records
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	ok := Config{N: 3, W: 2, R: 2, Consistency: Linearizable, Resolution: LastWriteWins}
	require.NoError(t, ok.Validate(3))

	cases := map[string]Config{
		"linearizable needs W+R>N": {N: 3, W: 1, R: 2, Consistency: Linearizable, Resolution: LastWriteWins},
		"W above N":                {N: 3, W: 4, R: 1, Consistency: Eventual, Resolution: LastWriteWins},
		"R zero":                   {N: 3, W: 1, R: 0, Consistency: Eventual, Resolution: LastWriteWins},
		"unknown mode":             {N: 1, W: 1, R: 1, Consistency: "strong", Resolution: LastWriteWins},
	}
	for name, cfg := range cases {
		err := cfg.Validate(3)
		assert.ErrorIs(t, err, errs.ErrInvalidConfig, name)
	}
	assert.ErrorIs(t, ok.Validate(2), errs.ErrInvalidConfig, "fewer replicas than N")

	eventual := Config{N: 3, W: 1, R: 1, Consistency: Eventual, Resolution: Siblings}
	assert.NoError(t, eventual.Validate(3))
}

// N=3, W=2, R=2 linearizable; replica 3 unavailable; the write is acked by
// replicas 1 and 2 and the following read returns it.
func TestCoordinator_QuorumReadAfterWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, false)
	rs[2].SetDown(true)
	c := newCoordinator(t, Config{N: 3, W: 2, R: 2, Consistency: Linearizable}, asReplicas(rs))

	rec, err := c.Write(ctx, "X", []byte("10"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)

	got, err := c.Read(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "10", string(got.Value))
	assert.Equal(t, uint64(1), got.Version)
	assert.Empty(t, got.Siblings)

	// A second linearizable write orders after the first.
	rec, err = c.Write(ctx, "X", []byte("11"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	got, err = c.Read(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "11", string(got.Value))
}

// Any W replicas that took a write overlap any R replicas that answer a
// read, whichever N-W and N-R replicas are down.
func TestCoordinator_QuorumOverlap(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n, w, r         int
		downW, downRead []int
	}{
		{n: 1, w: 1, r: 1},
		{n: 3, w: 3, r: 1, downRead: []int{0, 1}},
		{n: 3, w: 1, r: 3, downW: []int{0, 2}},
		{n: 5, w: 3, r: 3, downW: []int{1, 4}, downRead: []int{0, 2}},
		{n: 5, w: 4, r: 2, downW: []int{3}, downRead: []int{0, 1, 2}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("N%d_W%d_R%d", tc.n, tc.w, tc.r), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			rs := cluster(t, tc.n, false)
			c := newCoordinator(t, Config{N: tc.n, W: tc.w, R: tc.r, Consistency: Eventual}, asReplicas(rs))
			setDown := func(idx []int) {
				for _, r := range rs {
					r.SetDown(false)
				}
				for _, i := range idx {
					rs[i].SetDown(true)
				}
			}

			setDown(tc.downW)
			_, err := c.Write(ctx, "k", []byte("v"))
			require.NoError(t, err)

			setDown(tc.downRead)
			got, err := c.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", string(got.Value))

			// One replica more than N-W down and the write cannot commit.
			down := make([]int, 0, tc.n-tc.w+1)
			for i := 0; i < tc.n-tc.w+1; i++ {
				down = append(down, i)
			}
			setDown(down)
			_, err = c.Write(ctx, "other", []byte("v"))
			assert.ErrorIs(t, err, errs.ErrQuorumUnavailable)
		})
	}
}

func TestCoordinator_QuorumUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, false)
	rs[1].SetDown(true)
	rs[2].SetDown(true)
	c := newCoordinator(t, Config{N: 3, W: 2, R: 2}, asReplicas(rs))

	_, err := c.Write(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, errs.ErrQuorumUnavailable)
	assert.ErrorIs(t, err, errs.ErrReplicaUnavailable)
	assert.True(t, errs.IsRetryable(err))

	_, err = c.Read(ctx, "k")
	require.ErrorIs(t, err, errs.ErrQuorumUnavailable)
}

// A write that missed W must not come back through hinted handoff once the
// replicas recover.
func TestCoordinator_FailedWriteNotReplayed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, false)
	for _, r := range rs {
		r.SetDown(true)
	}
	hints := NewMemoryHintStore(0)
	c, err := New(Options{
		Config:   Config{NodeID: "c1", N: 3, W: 2, R: 2},
		Replicas: asReplicas(rs),
		Hints:    hints,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Write(ctx, "k", []byte("ghost"))
	require.ErrorIs(t, err, errs.ErrQuorumUnavailable)

	for _, r := range rs {
		r.SetDown(false)
	}
	replayed, err := c.Handoff(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	for _, id := range []string{"r1", "r2", "r3"} {
		n, _ := hints.Count(ctx, id)
		assert.Zero(t, n, id)
	}

	_, err = c.Read(ctx, "k")
	assert.ErrorIs(t, err, errs.ErrCacheMiss)
}

// Hints parked on fallbacks for a write that then missed W are withdrawn.
func TestCoordinator_FailedWriteWithdrawsFallbackHints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 4, false)
	rs[1].SetDown(true)
	rs[2].SetDown(true)
	hints := NewMemoryHintStore(0)
	c, err := New(Options{
		Config:   Config{NodeID: "c1", N: 3, W: 3, R: 1, SloppyQuorum: true},
		Replicas: asReplicas(rs),
		Hints:    hints,
	})
	require.NoError(t, err)

	_, err = c.Write(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, errs.ErrQuorumUnavailable)
	require.NoError(t, c.Close(), "Close waits for outstanding hints to settle")

	for _, id := range []string{"r2", "r3"} {
		n, err := rs[3].HintCount(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n, "fallback hint for %s", id)
		n, _ = hints.Count(ctx, id)
		assert.Zero(t, n, "coordinator hint for %s", id)
	}
}

// stallReplica never answers before its context ends.
type stallReplica struct{ id string }

func (s stallReplica) ID() string { return s.id }
func (s stallReplica) Propose(ctx context.Context, _ ProposeWrite) (WriteAck, error) {
	<-ctx.Done()
	return WriteAck{}, ctx.Err()
}
func (s stallReplica) Read(ctx context.Context, _ ReadRequest) (ReadResponse, error) {
	<-ctx.Done()
	return ReadResponse{}, ctx.Err()
}
func (s stallReplica) StoreHint(ctx context.Context, _ HintedHandoff) (WriteAck, error) {
	<-ctx.Done()
	return WriteAck{}, ctx.Err()
}
func (s stallReplica) Hints(ctx context.Context, _ HintsRequest) (HintsResponse, error) {
	<-ctx.Done()
	return HintsResponse{}, ctx.Err()
}
func (s stallReplica) DropHint(ctx context.Context, _ DropHintRequest) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s stallReplica) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// A caller deadline that expires before the quorum is reached surfaces as
// a lock timeout ("quorum not achieved").
func TestCoordinator_DeadlineIsLockTimeout(t *testing.T) {
	t.Parallel()
	rs := cluster(t, 2, false)
	reps := append(asReplicas(rs), stallReplica{id: "slow"})
	c := newCoordinator(t, Config{N: 3, W: 3, R: 3, WriteTimeout: 200 * time.Millisecond, ReadTimeout: 200 * time.Millisecond}, reps)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Write(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = c.Read(ctx2, "k")
	require.ErrorIs(t, err, errs.ErrLockTimeout)
}

// A replica that missed a write is repaired by the next read that sees it.
func TestCoordinator_ReadRepair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, false)
	rs[2].SetDown(true)
	c, err := New(Options{Config: Config{NodeID: "c1", N: 3, W: 2, R: 3}, Replicas: asReplicas(rs)})
	require.NoError(t, err)

	_, err = c.Write(ctx, "k", []byte("v"))
	require.NoError(t, err)
	rs[2].SetDown(false)
	require.Empty(t, readLocal(t, rs[2], "k"))

	got, err := c.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got.Value))

	require.NoError(t, c.Close()) // waits for background repairs
	recs := readLocal(t, rs[2], "k")
	require.Len(t, recs, 1)
	assert.Equal(t, "v", string(recs[0].Value))
}

// Sloppy quorum: an unreachable preferred replica is substituted by a
// fallback holding a hint; after recovery the hint is handed off and removed.
func TestCoordinator_SloppyQuorumHandoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 4, false)
	rs[2].SetDown(true)
	c := newCoordinator(t, Config{N: 3, W: 3, R: 2, SloppyQuorum: true}, asReplicas(rs))

	_, err := c.Write(ctx, "k", []byte("v"))
	require.NoError(t, err, "fallback ack must count toward W")

	n, err := rs[3].HintCount(ctx, "r3")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Empty(t, readLocal(t, rs[3], "k"), "fallback must not serve hinted data")

	// Still down: nothing to hand off.
	replayed, err := c.Handoff(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)

	rs[2].SetDown(false)
	replayed, err = c.Handoff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	recs := readLocal(t, rs[2], "k")
	require.Len(t, recs, 1)
	assert.Equal(t, "v", string(recs[0].Value))
	n, _ = rs[3].HintCount(ctx, "r3")
	assert.Zero(t, n, "hint must be removed from the fallback")
}

// Without a fallback the coordinator keeps the hint itself; it does not
// count toward W but is replayed once the replica is marked up.
func TestCoordinator_CoordinatorHeldHint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, false)
	hints := NewMemoryHintStore(0)
	c, err := New(Options{
		Config:   Config{NodeID: "c1", N: 3, W: 2, R: 1, HandoffInterval: time.Hour},
		Replicas: asReplicas(rs),
		Hints:    hints,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.MarkDown("r3")
	_, err = c.Write(ctx, "k", []byte("v"))
	require.NoError(t, err)
	// The failure for r3 may settle after W acks returned.
	require.Eventually(t, func() bool {
		n, _ := hints.Count(ctx, "r3")
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.MarkUp("r3") // kicks the handoff loop
	require.Eventually(t, func() bool {
		n, _ := hints.Count(ctx, "r3")
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, readLocal(t, rs[2], "k"), 1)
}

type mockReplica struct {
	mock.Mock
	id string
}

func (m *mockReplica) ID() string { return m.id }
func (m *mockReplica) Propose(_ context.Context, w ProposeWrite) (WriteAck, error) {
	args := m.Called(w.Key)
	return args.Get(0).(WriteAck), args.Error(1)
}
func (m *mockReplica) Read(_ context.Context, r ReadRequest) (ReadResponse, error) {
	args := m.Called(r.Key)
	return args.Get(0).(ReadResponse), args.Error(1)
}
func (m *mockReplica) StoreHint(_ context.Context, h HintedHandoff) (WriteAck, error) {
	args := m.Called(h.IntendedReplica)
	return args.Get(0).(WriteAck), args.Error(1)
}
func (m *mockReplica) Hints(_ context.Context, r HintsRequest) (HintsResponse, error) {
	args := m.Called(r.Intended)
	return args.Get(0).(HintsResponse), args.Error(1)
}
func (m *mockReplica) DropHint(_ context.Context, r DropHintRequest) error {
	return m.Called(r.HintID).Error(0)
}
func (m *mockReplica) Ping(context.Context) error { return m.Called().Error(0) }

// A fallback that refuses the hint leaves the write short of W.
func TestCoordinator_FallbackRefusesHint(t *testing.T) {
	t.Parallel()
	rs := cluster(t, 3, false)
	rs[2].SetDown(true)
	fb := &mockReplica{id: "fb"}
	fb.On("StoreHint", "r3").Return(WriteAck{}, errors.New("disk full")).Once()

	hints := NewMemoryHintStore(0)
	c, err := New(Options{
		Config:   Config{NodeID: "c1", N: 3, W: 3, R: 1, SloppyQuorum: true},
		Replicas: append(asReplicas(rs), fb),
		Hints:    hints,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Write(context.Background(), "k", []byte("v"))
	require.ErrorIs(t, err, errs.ErrQuorumUnavailable)
	require.NoError(t, c.Close())
	fb.AssertExpectations(t)
	n, _ := hints.Count(context.Background(), "r3")
	assert.Zero(t, n, "a write that missed W leaves no hint behind")
}

func TestCoordinator_DeleteIsTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t, Config{N: 3, W: 2, R: 2}, asReplicas(cluster(t, 3, false)))

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = c.Read(ctx, "k")
	assert.ErrorIs(t, err, errs.ErrCacheMiss)
}

// Concurrent versions written by different coordinators are resolved by
// wall-clock timestamp or exposed as siblings.
func TestCoordinator_ConflictResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seed := func(rs []*LocalReplica) {
		_, err := rs[0].Propose(ctx, ProposeWrite{Key: "k", Record: Record{
			Value: []byte("old"), Version: 1, Clock: vclock.Clock{"a": 1}, Timestamp: 100, Origin: "a"}})
		require.NoError(t, err)
		_, err = rs[1].Propose(ctx, ProposeWrite{Key: "k", Record: Record{
			Value: []byte("new"), Version: 1, Clock: vclock.Clock{"b": 1}, Timestamp: 200, Origin: "b"}})
		require.NoError(t, err)
	}

	t.Run("lww", func(t *testing.T) {
		rs := cluster(t, 2, false)
		seed(rs)
		c, err := New(Options{Config: Config{NodeID: "c", N: 2, W: 1, R: 2}, Replicas: asReplicas(rs)})
		require.NoError(t, err)

		got, err := c.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "new", string(got.Value))
		assert.Empty(t, got.Siblings)
		assert.Equal(t, vclock.Clock{"a": 1, "b": 1}, got.Clock)

		// The repair carries the merged clock and collapses both replicas.
		require.NoError(t, c.Close())
		for _, r := range rs {
			recs := readLocal(t, r, "k")
			require.Len(t, recs, 1)
			assert.Equal(t, "new", string(recs[0].Value))
		}
	})

	t.Run("siblings", func(t *testing.T) {
		rs := cluster(t, 2, false)
		seed(rs)
		c, err := New(Options{Config: Config{NodeID: "c", N: 2, W: 1, R: 2, Resolution: Siblings}, Replicas: asReplicas(rs)})
		require.NoError(t, err)

		got, err := c.Read(ctx, "k")
		require.NoError(t, err)
		require.Len(t, got.Siblings, 2)
		assert.Equal(t, "new", string(got.Value))

		require.NoError(t, c.Close())
		for _, r := range rs {
			assert.Len(t, readLocal(t, r, "k"), 2, "each replica learns the other sibling")
		}

		// A write after reading both siblings descends them and replaces them.
		c2 := newCoordinator(t, Config{NodeID: "c", N: 2, W: 2, R: 2, Resolution: Siblings}, asReplicas(rs))
		_, err = c2.Read(ctx, "k")
		require.NoError(t, err)
		_, err = c2.Write(ctx, "k", []byte("merged"))
		require.NoError(t, err)
		got, err = c2.Read(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, got.Siblings)
		assert.Equal(t, "merged", string(got.Value))
	})
}

// If write A causally precedes write B, no replica applies B before A, even
// when B arrives first.
func TestLocalReplica_CausalDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	r, err := NewLocalReplica("r1", ReplicaOptions{
		Causal: true,
		OnApply: func(_ string, rec Record) {
			mu.Lock()
			order = append(order, string(rec.Value))
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	a := ProposeWrite{Key: "x", Record: Record{Value: []byte("A"), Version: 1, Clock: vclock.Clock{"c": 1}, Origin: "c"}}
	b := ProposeWrite{Key: "y", Record: Record{Value: []byte("B"), Version: 1, Clock: vclock.Clock{"c": 2}, Origin: "c"}}
	// C was written by another node after observing B.
	cw := ProposeWrite{Key: "z", Record: Record{Value: []byte("C"), Version: 1, Clock: vclock.Clock{"c": 2, "d": 1}, Origin: "d"}}

	ack, err := r.Propose(ctx, cw)
	require.NoError(t, err)
	assert.True(t, ack.Buffered)
	ack, err = r.Propose(ctx, b)
	require.NoError(t, err)
	assert.True(t, ack.Buffered)
	assert.Empty(t, readLocal(t, r, "y"), "B must stay invisible until A is applied")

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	ack, err = r.Propose(ctx, a)
	require.NoError(t, err)
	assert.True(t, ack.Applied)

	mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
	mu.Unlock()
	pending, _ = r.Pending(ctx)
	assert.Zero(t, pending)

	// Re-delivery is idempotent.
	ack, err = r.Propose(ctx, a)
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Len(t, readLocal(t, r, "x"), 1)
}

// Repairs with undelivered dependencies are dropped rather than buffered.
func TestLocalReplica_CausalRepairDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := NewLocalReplica("r1", ReplicaOptions{Causal: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ack, err := r.Propose(ctx, ProposeWrite{Key: "k", Repair: true,
		Record: Record{Value: []byte("v"), Version: 2, Clock: vclock.Clock{"c": 2}, Origin: "c"}})
	require.NoError(t, err)
	assert.False(t, ack.Applied)
	assert.False(t, ack.Buffered)
	n, _ := r.Pending(ctx)
	assert.Zero(t, n)
}

// Causal coordinator end to end: writes issued in order converge on every replica.
func TestCoordinator_CausalConverges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := cluster(t, 3, true)
	c := newCoordinator(t, Config{N: 3, W: 1, R: 1, Consistency: Causal}, asReplicas(rs))

	for i := 0; i < 20; i++ {
		_, err := c.Write(ctx, fmt.Sprint("k", i%4), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for _, r := range rs {
			recs := readLocal(t, r, "k3")
			if len(recs) != 1 || string(recs[0].Value) != "19" {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalReplica_DownAndClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := NewLocalReplica("r1", ReplicaOptions{})
	require.NoError(t, err)

	r.SetDown(true)
	require.ErrorIs(t, r.Ping(ctx), errs.ErrReplicaUnavailable)
	r.SetDown(false)
	require.NoError(t, r.Ping(ctx))

	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Ping(ctx), errs.ErrClosed)
}

func TestNew_DuplicateReplica(t *testing.T) {
	t.Parallel()
	rs := cluster(t, 1, false)
	_, err := New(Options{Config: Config{N: 1, W: 1, R: 1}, Replicas: []Replica{rs[0], rs[0]}})
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}
