package healthcheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()

	server, err := NewServer(Config{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, server.Start(context.Background()))

	conn, err := grpc.NewClient(server.GetListeningAddress(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return server, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_StatusFollowsSetServing(t *testing.T) {
	server, client := startServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))

	server.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))

	server.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))
}

func TestServer_UnknownService(t *testing.T) {
	_, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	assert.Error(t, err)
}

func TestServer_Lifecycle(t *testing.T) {
	_, err := NewServer(Config{})
	assert.ErrorIs(t, err, ErrEmptyListenAddress)

	server, err := NewServer(Config{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Empty(t, server.GetListeningAddress())

	require.NoError(t, server.Start(context.Background()))
	assert.ErrorIs(t, server.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	assert.ErrorIs(t, server.Start(context.Background()), ErrClosed)
}

func TestServer_CloseWithoutStart(t *testing.T) {
	server, err := NewServer(Config{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.NoError(t, server.Close())
}
