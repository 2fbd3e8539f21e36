package health

import (
	"context"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name for the diligence API.
const ServiceName = "diligence.v1.Diligence"

// SyncGRPC mirrors readiness into a gRPC health server until ctx is done.
func (m *Manager) SyncGRPC(ctx context.Context, srv *grpchealth.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	set := func() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if m.IsReady(ctx) {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus("", status)
		srv.SetServingStatus(ServiceName, status)
	}
	set()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			m.logger.Info("gRPC health sync stopped")
			return
		case <-ticker.C:
			set()
		}
	}
}
