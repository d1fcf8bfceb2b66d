package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "messaging.Messaging"

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer publishes grpc.health.v1 status derived from the store and
// cache pings.
type HealthServer struct {
	health   *health.Server
	pingers  map[string]Pinger
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	serving bool
}

func NewHealthServer(pingers map[string]Pinger, interval time.Duration, logger *logrus.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthServer{
		health:   health.NewServer(),
		pingers:  pingers,
		interval: interval,
		logger:   logger,
	}
}

// NewServer builds the admin gRPC server with the health service registered.
func NewServer(hs *HealthServer, reflectionEnabled bool, logger *logrus.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	healthpb.RegisterHealthServer(s, hs.health)

	if reflectionEnabled {
		reflection.Register(s)
		logger.Info("gRPC reflection enabled")
	}

	return s
}

// Check pings every dependency once and updates the published status.
func (h *HealthServer) Check(ctx context.Context) bool {
	serving := true
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
			serving = false
		}
	}

	state := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		state = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", state)
	h.health.SetServingStatus(ServiceName, state)

	h.mu.Lock()
	changed := h.serving != serving
	h.serving = serving
	h.mu.Unlock()

	if changed {
		h.logger.WithField("status", state.String()).Info("Health status changed")
	}
	return serving
}

// Run checks dependencies every interval until ctx is done.
func (h *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING to every watcher.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
}

func loggingInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		entry := logger.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("gRPC call failed")
		} else {
			entry.Debug("gRPC call")
		}
		return resp, err
	}
}
