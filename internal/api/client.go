package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/withobsrvr/searchsync/internal/config"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// ClientOptions contains options for creating a gRPC client connection.
type ClientOptions struct {
	// ServerAddress is the address of the health server.
	ServerAddress string

	// TLSConfig is the TLS configuration to use for the connection.
	// If nil, an insecure connection will be used.
	TLSConfig *config.TLSConfig

	// Additional gRPC dial options to use.
	DialOptions []grpc.DialOption
}

// CreateHealthClient creates a health client with the given options.
func CreateHealthClient(opts *ClientOptions) (healthpb.HealthClient, *grpc.ClientConn, error) {
	if opts == nil {
		return nil, nil, fmt.Errorf("client options cannot be nil")
	}
	if opts.ServerAddress == "" {
		return nil, nil, fmt.Errorf("server address is required")
	}

	dialOpts := make([]grpc.DialOption, 0, len(opts.DialOptions)+1)
	if opts.TLSConfig != nil && opts.TLSConfig.Enabled() {
		logger.Debug("Configuring TLS for client connection",
			zap.String("server", opts.ServerAddress),
			zap.String("mode", string(opts.TLSConfig.Mode)))

		tlsOpt, err := opts.TLSConfig.LoadClientCredentials()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		dialOpts = append(dialOpts, tlsOpt)
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.ServerAddress, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to health server: %w", err)
	}
	return healthpb.NewHealthClient(conn), conn, nil
}

// CheckHealth asks the server for the status of service
func CheckHealth(ctx context.Context, opts *ClientOptions, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	client, conn, err := CreateHealthClient(opts)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
