package grpcx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/IvanBrykalov/quorumcache/replication"
)

// Client is a replication.Replica backed by a remote replica server.
type Client struct {
	id   string
	conn *grpc.ClientConn
}

var _ replication.Replica = (*Client)(nil)

// Dial creates a client for the replica id served at target. The connection
// is established lazily; extra options are appended to the defaults
// (insecure transport, JSON codec).
func Dial(id, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{id: id, conn: conn}, nil
}

func (c *Client) ID() string { return c.id }

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (Resp, error) {
	var out Resp
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, &out); err != nil {
		return out, fromStatus("grpc."+method, c.id, err)
	}
	return out, nil
}

func (c *Client) Propose(ctx context.Context, w replication.ProposeWrite) (replication.WriteAck, error) {
	return invoke[replication.WriteAck](ctx, c, "Propose", &w)
}

func (c *Client) Read(ctx context.Context, r replication.ReadRequest) (replication.ReadResponse, error) {
	return invoke[replication.ReadResponse](ctx, c, "Read", &r)
}

func (c *Client) StoreHint(ctx context.Context, h replication.HintedHandoff) (replication.WriteAck, error) {
	return invoke[replication.WriteAck](ctx, c, "StoreHint", &h)
}

func (c *Client) Hints(ctx context.Context, r replication.HintsRequest) (replication.HintsResponse, error) {
	return invoke[replication.HintsResponse](ctx, c, "Hints", &r)
}

func (c *Client) DropHint(ctx context.Context, r replication.DropHintRequest) error {
	_, err := invoke[replication.Empty](ctx, c, "DropHint", &r)
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := invoke[replication.Empty](ctx, c, "Ping", &replication.Empty{})
	return err
}
