package httpapi

import (
	"context"
	"sync/atomic"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"obsapi.org/internal/subscription"
)

func TestHealthServerFollowsSubscriptionState(t *testing.T) {
	var active atomic.Bool
	h := NewHealthServer(func(context.Context) subscription.State {
		if active.Load() {
			return subscription.StateActive
		}
		return subscription.StateNone
	})
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status %v", got)
	}
	active.Store(true)
	h.Refresh(ctx)
	if got := check("obs-api"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status with active subscription %v", got)
	}
	active.Store(false)
	h.Refresh(ctx)
	if got := check(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after expiry %v", got)
	}
}
