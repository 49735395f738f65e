// Package grpcapi exposes the standard gRPC health service. Load balancers
// and orchestrators probe it; the status follows storage liveness.
package grpcapi

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "campusgate.Access"

// Pinger checks a dependency. A nil error means serving.
type Pinger func(ctx context.Context) error

type Config struct {
	// Interval between pings. Zero means 10s.
	Interval time.Duration
}

type Health struct {
	server   *grpc.Server
	health   *health.Server
	ping     Pinger
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewHealth registers a health service on a fresh gRPC server. The status
// starts as NOT_SERVING until the first successful check.
func NewHealth(ping Pinger, cfg Config, logger *slog.Logger) *Health {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Health{
		server:   srv,
		health:   hs,
		ping:     ping,
		interval: cfg.Interval,
		logger:   logger,
	}
}

// Check pings once and publishes the result.
func (h *Health) Check(ctx context.Context) {
	err := h.ping(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.mu.Lock()
	changed := h.serving != (err == nil)
	h.serving = err == nil
	h.mu.Unlock()

	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)

	if changed {
		if err != nil {
			h.logger.Error("health: storage unavailable", "err", err)
		} else {
			h.logger.Info("health: serving")
		}
	}
}

// Run checks immediately and then on every interval until ctx is done.
func (h *Health) Run(ctx context.Context) {
	h.Check(ctx)

	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}

// Serve blocks serving gRPC on lis.
func (h *Health) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks everything NOT_SERVING so watchers drain, then stops the
// server after in-flight RPCs finish.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
