package grpcx

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/IvanBrykalov/quorumcache/replication"
)

// Register attaches r to s under the replica service name.
func Register(s *grpc.Server, r replication.Replica) {
	s.RegisterService(&ServiceDesc, r)
}

// NewServer returns a gRPC server serving r, with request logging.
func NewServer(r replication.Replica, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary(logger.With(zap.String("replica", r.ID())))))
	s := grpc.NewServer(opts...)
	Register(s, r)
	return s
}

func logUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Debug("rpc failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		}
		return resp, err
	}
}
