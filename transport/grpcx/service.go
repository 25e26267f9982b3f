package grpcx

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/replication"
)

const serviceName = "quorumcache.replication.v1.Replica"

// ServiceDesc exposes a replication.Replica as a gRPC service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replication.Replica)(nil),
	Methods: []grpc.MethodDesc{
		unary("Propose", func(r replication.Replica, ctx context.Context, in *replication.ProposeWrite) (*replication.WriteAck, error) {
			ack, err := r.Propose(ctx, *in)
			return &ack, err
		}),
		unary("Read", func(r replication.Replica, ctx context.Context, in *replication.ReadRequest) (*replication.ReadResponse, error) {
			resp, err := r.Read(ctx, *in)
			return &resp, err
		}),
		unary("StoreHint", func(r replication.Replica, ctx context.Context, in *replication.HintedHandoff) (*replication.WriteAck, error) {
			ack, err := r.StoreHint(ctx, *in)
			return &ack, err
		}),
		unary("Hints", func(r replication.Replica, ctx context.Context, in *replication.HintsRequest) (*replication.HintsResponse, error) {
			resp, err := r.Hints(ctx, *in)
			return &resp, err
		}),
		unary("DropHint", func(r replication.Replica, ctx context.Context, in *replication.DropHintRequest) (*replication.Empty, error) {
			return &replication.Empty{}, r.DropHint(ctx, *in)
		}),
		unary("Ping", func(r replication.Replica, ctx context.Context, _ *replication.Empty) (*replication.Empty, error) {
			return &replication.Empty{}, r.Ping(ctx)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumcache/replication.go",
}

func unary[Req, Resp any](method string, call func(replication.Replica, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	invoke := func(r replication.Replica, ctx context.Context, in *Req) (any, error) {
		out, err := call(r, ctx, in)
		if err != nil {
			return nil, toStatus(err)
		}
		return out, nil
	}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			r := srv.(replication.Replica)
			if interceptor == nil {
				return invoke(r, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return invoke(r, ctx, req.(*Req))
			})
		},
	}
}

// toStatus maps engine errors to gRPC codes so the client side can restore
// the failure kind.
func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, errs.ErrReplicaUnavailable), errors.Is(err, errs.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, errs.ErrBackingStore):
		code = codes.Internal
	case errors.Is(err, errs.ErrInvalidConfig):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a client-side RPC error back to the engine taxonomy.
func fromStatus(op, replica string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errs.E(errs.ErrReplicaUnavailable, op, replica, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errs.E(errs.ErrReplicaUnavailable, op, replica, err)
	case codes.Internal:
		return errs.E(errs.ErrBackingStore, op, replica, err)
	}
	return errs.E(errs.ErrReplicaUnavailable, op, replica, err)
}
