package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/convcache/internal/worker"
)

// DefaultPollInterval is how often pool stats are sampled.
const DefaultPollInterval = time.Second

// StatsSource is anything reporting worker pool stats; *worker.Pool is one.
type StatsSource interface {
	Stats() worker.Stats
}

// Server exposes the standard gRPC health service. Every watched pool is a
// health service of its own: SERVING while it has an active session and at
// least one live slot, NOT_SERVING otherwise.
type Server struct {
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	sources map[string]StatsSource

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a health server polling at interval.
func NewServer(interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		health:   hs,
		grpc:     gs,
		interval: interval,
		log:      logger.With("component", "health"),
		sources:  make(map[string]StatsSource),
		stopCh:   make(chan struct{}),
	}
}

// Watch reports src under the given health service name.
func (s *Server) Watch(service string, src StatsSource) {
	s.mu.Lock()
	s.sources[service] = src
	s.mu.Unlock()

	s.health.SetServingStatus(service, statusOf(src.Stats()))
}

// Start begins polling. It is called by Serve and may be used on its own when
// the health state is only queried in process.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.pollLoop()
	})
}

// Serve starts polling and serves gRPC on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.Start()
	s.log.Info("health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Check returns the current status of service.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Stop ends polling, marks every service NOT_SERVING and stops the gRPC
// server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}

func (s *Server) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for service, src := range s.sources {
		s.health.SetServingStatus(service, statusOf(src.Stats()))
	}
}

func statusOf(st worker.Stats) healthpb.HealthCheckResponse_ServingStatus {
	if st.Refs > 0 && st.Slots > 0 {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
