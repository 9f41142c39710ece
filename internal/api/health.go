package api

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/withobsrvr/searchsync/internal/config"
	"github.com/withobsrvr/searchsync/internal/core"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// ServiceName is the health service reporting replication status
const ServiceName = "searchsync"

// HealthServer exposes grpc.health.v1.Health. The searchsync service is
// SERVING only while the engine is streaming; the empty service reports
// whether the process is up.
type HealthServer struct {
	mu       sync.Mutex
	address  string
	tls      *config.TLSConfig
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	done     chan struct{}
}

// NewHealthServer creates a health server for address
func NewHealthServer(address string, tlsCfg *config.TLSConfig) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		address: address,
		tls:     tlsCfg,
		health:  hs,
	}
}

// ObserveState maps an engine state to the serving status
func (s *HealthServer) ObserveState(state core.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == core.StateStreaming {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	logger.Debug("Health status updated",
		zap.String("state", string(state)),
		zap.String("status", status.String()))
}

// Start listens on the configured address and serves in the background
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background
func (s *HealthServer) Serve(lis net.Listener) error {
	var opts []grpc.ServerOption
	if s.tls != nil {
		tlsOpt, err := s.tls.LoadServerCredentials()
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		if tlsOpt != nil {
			opts = append(opts, tlsOpt)
		}
	}

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, s.health)

	s.mu.Lock()
	s.server = server
	s.listener = lis
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := server.Serve(lis); err != nil {
			logger.Error("Health server stopped", zap.Error(err))
		}
	}()

	logger.Info("Health server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the listening address, or nil before Serve
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close marks every service NOT_SERVING and stops the server
func (s *HealthServer) Close() {
	s.health.Shutdown()

	s.mu.Lock()
	server, done := s.server, s.done
	s.mu.Unlock()

	if server == nil {
		return
	}
	server.GracefulStop()
	<-done
}
