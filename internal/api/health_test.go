package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/withobsrvr/searchsync/internal/core"
)

func startBufconnServer(t *testing.T) (*HealthServer, *ClientOptions) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewHealthServer("bufnet", nil)
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Close)

	opts := &ClientOptions{
		ServerAddress: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
	return srv, opts
}

func check(t *testing.T, opts *ClientOptions, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := CheckHealth(ctx, opts, service)
	require.NoError(t, err)
	return status
}

func TestHealthServer_FollowsEngineState(t *testing.T) {
	srv, opts := startBufconnServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, opts, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, opts, ""))

	srv.ObserveState(core.StateBackfilling)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, opts, ServiceName))

	srv.ObserveState(core.StateStreaming)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, opts, ServiceName))

	srv.ObserveState(core.StateFaulted)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, opts, ServiceName))
}

func TestHealthServer_UnknownService(t *testing.T) {
	_, opts := startBufconnServer(t)

	_, err := CheckHealth(context.Background(), opts, "other")
	assert.Error(t, err)
}

func TestCreateHealthClient_Validation(t *testing.T) {
	_, _, err := CreateHealthClient(nil)
	assert.Error(t, err)

	_, _, err = CreateHealthClient(&ClientOptions{})
	assert.Error(t, err)
}
