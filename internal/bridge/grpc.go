// ABOUTME: gRPC server setup and the standard health service
// ABOUTME: Each network is a health service name; the empty name tracks the bridge as a whole

package bridge

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServicePrefix prefixes per-network health service names.
const HealthServicePrefix = "meshbridge.network."

// newGRPCServer creates the gRPC server with the health service registered.
func newGRPCServer(logger *slog.Logger) (*grpc.Server, *grpchealth.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger)),
	)
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return resp, err
	}
}

// updateNetworkHealth publishes each network's connection state. The bridge
// as a whole serves while the primary is up and persistence is healthy.
func (b *Bridge) updateNetworkHealth() {
	primaryUp := false
	for i, st := range b.radio.Status() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Connected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if i == 0 {
			primaryUp = st.Connected
		}
		b.grpcHealth.SetServingStatus(HealthServicePrefix+st.Name, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if primaryUp && b.health.Healthy() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	b.grpcHealth.SetServingStatus("", overall)
}
