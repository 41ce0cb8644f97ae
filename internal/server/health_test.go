package server

import (
	"context"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestOverallStatusNeedsEveryWorker(t *testing.T) {
	ctx := context.Background()
	h := NewHealth(nil, "ingest", "dispatch")

	check := func(service string, want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		got, err := h.Check(ctx, service)
		if err != nil {
			t.Fatalf("Check(%q) failed: %v", service, err)
		}
		if got != want {
			t.Fatalf("Check(%q) = %v, want %v", service, got, want)
		}
	}

	check("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServing("ingest", true)
	check("ingest", healthpb.HealthCheckResponse_SERVING)
	check("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServing("dispatch", true)
	check("", healthpb.HealthCheckResponse_SERVING)
	h.SetServing("dispatch", false)
	check("dispatch", healthpb.HealthCheckResponse_NOT_SERVING)
	check("", healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestCheckUnknownService(t *testing.T) {
	h := NewHealth(nil, "ingest")
	if _, err := h.Check(context.Background(), "nope"); err == nil {
		t.Fatalf("expected NotFound for an unregistered service")
	}
}
