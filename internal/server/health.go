// Package server exposes the daemon's gRPC health service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Health tracks one service status per worker. The overall status ("") is
// SERVING only while every registered worker is.
type Health struct {
	hs     *health.Server
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]bool
}

func NewHealth(logger *slog.Logger, workers ...string) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{hs: health.NewServer(), logger: logger, workers: map[string]bool{}}
	for _, w := range workers {
		h.workers[w] = false
		h.hs.SetServingStatus(w, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing records a worker's status after a cycle.
func (h *Health) SetServing(name string, serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.workers[name]; ok && prev != serving {
		h.logger.Info("health.changed", "worker", name, "serving", serving)
	}
	h.workers[name] = serving
	h.hs.SetServingStatus(name, status(serving))

	all := true
	for _, s := range h.workers {
		all = all && s
	}
	h.hs.SetServingStatus("", status(all))
}

// Check answers a health probe in process.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx is done.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h.hs)
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()
	h.logger.Info("health serving", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		h.hs.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	}
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
