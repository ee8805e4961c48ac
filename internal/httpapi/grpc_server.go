package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tavern.org/internal/obs"
)

// GRPCServer serves the standard gRPC health protocol, reflecting the same
// readiness probe as /readyz under both the empty and the named service.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
}

// NewGRPCServer creates the health service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{
		Server:    health.NewServer(),
		readiness: r,
	}
}

// Register attaches the health service to s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Refresh re-evaluates readiness and publishes the serving status.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
	}
	obs.SetReady(ok)
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
	return ok
}

// Check refreshes before answering so probes never see a stale status.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.Refresh(ctx)
	return s.Server.Check(ctx, req)
}

// Run refreshes the status every interval so Watch streams see changes.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
