package grpcx

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/replication"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

// serve starts a local replica behind an in-memory listener and returns a
// client for it.
func serve(t *testing.T, id string) (*replication.LocalReplica, *Client) {
	t.Helper()
	r, err := replication.NewLocalReplica(id, replication.ReplicaOptions{})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(r, nil)
	go func() { _ = srv.Serve(lis) }()

	c, err := Dial(id, "passthrough:///"+id,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		srv.Stop()
		_ = r.Close()
	})
	return r, c
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, c := serve(t, "r1")

	require.NoError(t, c.Ping(ctx))

	rec := replication.Record{Value: []byte("v"), Version: 3, Clock: vclock.Clock{"c1": 3}, Timestamp: 42, Origin: "c1"}
	ack, err := c.Propose(ctx, replication.ProposeWrite{Key: "k", Record: rec})
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Equal(t, "r1", ack.ReplicaID)

	resp, err := c.Read(ctx, replication.ReadRequest{Key: "k"})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, rec, resp.Records[0])

	h := replication.HintedHandoff{HintID: "h1", IntendedReplica: "r9", Write: replication.ProposeWrite{Key: "k", Record: rec}}
	ack, err = c.StoreHint(ctx, h)
	require.NoError(t, err)
	assert.True(t, ack.Hinted)

	hs, err := c.Hints(ctx, replication.HintsRequest{Intended: "r9", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hs.Hints, 1)
	assert.Equal(t, "h1", hs.Hints[0].HintID)
	require.NoError(t, c.DropHint(ctx, replication.DropHintRequest{HintID: "h1"}))
	hs, _ = c.Hints(ctx, replication.HintsRequest{Intended: "r9"})
	assert.Empty(t, hs.Hints)
}

// A replica that is down is reported as unavailable on the client side.
func TestClient_UnavailableMapping(t *testing.T) {
	t.Parallel()
	r, c := serve(t, "r1")
	r.SetDown(true)

	err := c.Ping(context.Background())
	require.ErrorIs(t, err, errs.ErrReplicaUnavailable)
	assert.True(t, errs.IsRetryable(err))
}

// The coordinator reaches quorum across gRPC replicas.
func TestCoordinator_OverGRPC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var reps []replication.Replica
	for _, id := range []string{"r1", "r2", "r3"} {
		_, c := serve(t, id)
		reps = append(reps, c)
	}
	co, err := replication.New(replication.Options{
		Config:   replication.Config{NodeID: "c1", N: 3, W: 2, R: 2, Consistency: replication.Linearizable},
		Replicas: reps,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	_, err = co.Write(ctx, "x", []byte("10"))
	require.NoError(t, err)
	got, err := co.Read(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "10", string(got.Value))
}
