package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/relayhub/internal/config"
	"github.com/rmacdonaldsmith/relayhub/pkg/httpclient"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/relayclient"
)

// freePort asks the kernel for an unused port
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BindAddress = "127.0.0.1"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.Admin.Port = freePort(t)
	cfg.Health.GRPCPort = freePort(t)
	cfg.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

// TestVersionFlag tests the --version flag
func TestVersionFlag(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "RelayHub v0.1.0\n", out.String())
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	t.Setenv("RELAYHUB_PORT", "7000")
	t.Setenv("RELAYHUB_MAX_QUEUE", "12")

	var flags flagOverrides
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000", "--duplicate-policy", "reject", "--admin-port", "0"}))

	flags.port, _ = cmd.Flags().GetInt("port")
	flags.duplicatePolicy, _ = cmd.Flags().GetString("duplicate-policy")
	flags.adminPort, _ = cmd.Flags().GetInt("admin-port")

	cfg, err := loadConfig(cmd, flags)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port, "flag wins over environment")
	assert.Equal(t, 12, cfg.MaxQueue, "environment applies when no flag is set")
	assert.Equal(t, registry.PolicyReject, cfg.Policy())
	assert.Equal(t, 0, cfg.Admin.Port)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress, "unset flags keep configured values")
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	var flags flagOverrides
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--duplicate-policy", "share"}))
	flags.duplicatePolicy, _ = cmd.Flags().GetString("duplicate-policy")

	_, err := loadConfig(cmd, flags)
	assert.Error(t, err)
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.start(ctx))
	t.Cleanup(func() { _ = a.shutdown(context.Background()) })

	// Websocket clients
	cam, err := relayclient.Connect(ctx, relayclient.Config{URL: a.hub.URL(), ClientID: "cam1"})
	require.NoError(t, err)
	defer cam.Close()
	viewer, err := relayclient.Connect(ctx, relayclient.Config{URL: a.hub.URL(), ClientID: "viewer1"})
	require.NoError(t, err)
	defer viewer.Close()

	// Operator API
	operator, err := httpclient.NewClient(httpclient.Config{ServerURL: "http://" + a.api.Addr()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		clients, err := operator.ListClients(ctx)
		return err == nil && clients.Count == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cam.Publish(ctx, "pose", map[string]int{"x": 1}))
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := viewer.Request(reqCtx, "pose")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(data))

	stream, err := operator.GetStream(ctx, "pose")
	require.NoError(t, err)
	assert.Equal(t, "cam1", stream.Publisher)

	// Metrics
	resp, err := http.Get("http://" + a.api.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "relayhub_clients_connected 2")
	assert.Contains(t, string(body), "go_goroutines")

	// gRPC health
	conn, err := grpc.NewClient(a.health.GetListeningAddress(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	check, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)
}

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.GRPCPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- run(ctx, cfg, zap.NewNop()) }()

	url := fmt.Sprintf("ws://127.0.0.1:%d/", cfg.Port)
	var client *relayclient.Client
	require.Eventually(t, func() bool {
		c, err := relayclient.Connect(context.Background(), relayclient.Config{URL: url, ClientID: "cam1"})
		if err != nil {
			return false
		}
		client = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer client.Close()

	// Wait until the hub has registered the client
	operator, err := httpclient.NewClient(httpclient.Config{ServerURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Admin.Port)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		clients, err := operator.ListClients(context.Background())
		return err == nil && clients.Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection was not closed")
	}
	assert.True(t, client.ServerClosing(), "clients are told before the hub closes")
}

func TestHealthBody(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.GRPCPort = 0
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))
	defer a.shutdown(context.Background())

	resp, err := http.Get("http://" + a.api.Addr() + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, true, health["healthy"])
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", cfg.Port), health["address"])
}
