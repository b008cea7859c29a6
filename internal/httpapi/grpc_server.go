package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"obsapi.org/internal/obs"
	"obsapi.org/internal/subscription"
)

const serviceName = "obs-api"

// StateFunc reports the subscription state.
type StateFunc func(ctx context.Context) subscription.State

// HealthServer serves grpc.health.v1: SERVING while a subscription is active.
type HealthServer struct {
	srv   *health.Server
	state StateFunc
}

// NewHealthServer creates the health service, initially NOT_SERVING.
func NewHealthServer(state StateFunc) *HealthServer {
	h := &HealthServer{srv: health.NewServer(), state: state}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}

// Refresh re-evaluates the state once.
func (h *HealthServer) Refresh(ctx context.Context) {
	if h.state(ctx) == subscription.StateActive {
		h.set(healthpb.HealthCheckResponse_SERVING)
		obs.SetReady(true)
		return
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	obs.SetReady(false)
}

// Watch refreshes every interval until ctx is done, then reports NOT_SERVING.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
