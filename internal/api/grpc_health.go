package api

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/coachline/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// CoachServiceName is the service name reported by the gRPC health server.
const CoachServiceName = "coachline.Coach"

// GRPCHealth serves the standard gRPC health protocol for orchestrators,
// tracking database reachability.
type GRPCHealth struct {
	repo     store.Repository
	server   *grpc.Server
	health   *health.Server
	interval time.Duration
}

// NewGRPCHealth creates a health server that re-checks the store every
// interval once Run is called.
func NewGRPCHealth(repo store.Repository, interval time.Duration) *GRPCHealth {
	hs := health.NewServer()
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(srv, hs)

	g := &GRPCHealth{repo: repo, server: srv, health: hs, interval: interval}
	g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

func (g *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(CoachServiceName, status)
}

// Check pings the store once and publishes the result.
func (g *GRPCHealth) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.repo.Ping(ctx); err != nil {
		slog.Warn("gRPC health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.set(status)
	return status
}

// Run re-checks health until ctx is done, then marks the server as shutting
// down so watchers see NOT_SERVING.
func (g *GRPCHealth) Run(ctx context.Context) {
	g.Check(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Serve accepts health RPCs on lis until Stop.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
