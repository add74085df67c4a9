package grpc

import (
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/leader-election/internal/logging"
)

// NewServer creates a gRPC server with logging interceptors and hs registered
// as the health service.
func NewServer(hs *health.Server, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	}, opts...)

	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}
