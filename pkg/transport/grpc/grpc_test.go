package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/amirimatin/swarm-token-server/pkg/health"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, s.Start(ctx, h))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(2 * time.Second)
	t.Cleanup(c.Close)
	return c
}

func testHandlers(swarm string) transport.Handlers {
	return transport.Handlers{
		LocalHealth: func(context.Context) transport.HealthResponse {
			if swarm == "active" {
				return transport.HealthResponse{Status: health.StatusHealthy, Swarm: swarm}
			}
			return transport.HealthResponse{Status: health.StatusUnhealthy, Swarm: swarm}
		},
		Token: func(_ context.Context, role string) (transport.TokenResponse, error) {
			if role == "manager" {
				return transport.TokenResponse{}, &transport.Error{Code: http.StatusInternalServerError, Message: "Failed to get manager token"}
			}
			return transport.TokenResponse{Token: "SWMTKN-w", Type: role}, nil
		},
		Nodes: func(context.Context) (transport.NodesResponse, error) {
			return transport.NodesResponse{}, errors.New("hidden")
		},
		Managers: func(context.Context) (transport.ManagersResponse, error) {
			return transport.ManagersResponse{Managers: []string{"a:1"}, Count: 1, CacheTTL: 30}, nil
		},
	}
}

func TestHealthAndServingStatus(t *testing.T) {
	s := startServer(t, testHandlers("active"))
	c := newClient(t)

	resp, err := c.Health(context.Background(), s.Addr())
	require.NoError(t, err)
	assert.Equal(t, transport.HealthResponse{Status: health.StatusHealthy, Swarm: "active"}, resp)

	chk, err := s.hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, chk.GetStatus())
}

func TestTokenAndErrors(t *testing.T) {
	s := startServer(t, testHandlers("active"))
	c := newClient(t)

	tok, err := c.Token(context.Background(), s.Addr(), "worker")
	require.NoError(t, err)
	assert.Equal(t, transport.TokenResponse{Token: "SWMTKN-w", Type: "worker"}, tok)

	code, body, err := c.GetJSON(context.Background(), s.Addr(), "/swarm/manager")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.JSONEq(t, `{"error":"Failed to get manager token"}`, string(body))

	code, body, err = c.GetJSON(context.Background(), s.Addr(), "/swarm/nodes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, string(body))

	code, _, err = c.GetJSON(context.Background(), s.Addr(), "/managers/reload")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _, err = c.GetJSON(context.Background(), s.Addr(), "/foo")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetJSONHealthCodes(t *testing.T) {
	s := startServer(t, testHandlers("inactive"))
	c := newClient(t)

	code, body, err := c.GetJSON(context.Background(), s.Addr(), "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "inactive", m["swarm"])

	code, body, err = c.GetJSON(context.Background(), s.Addr(), "/managers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"managers":["a:1"],"count":1,"cache_ttl":30}`, string(body))
}

func TestProbeHealth(t *testing.T) {
	c := newClient(t)

	s := startServer(t, testHandlers("active"))
	r := c.ProbeHealth(context.Background(), s.Addr())
	assert.Equal(t, health.StatusHealthy, r.Status)
	assert.Equal(t, "active", r.Swarm)

	s2 := startServer(t, testHandlers("inactive"))
	r = c.ProbeHealth(context.Background(), s2.Addr())
	assert.Equal(t, health.StatusUnhealthy, r.Status)
	assert.Equal(t, "inactive", r.Swarm)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	r = c.ProbeHealth(context.Background(), addr)
	assert.Equal(t, health.StatusUnreachable, r.Status)
}

func TestConnectionsAreReused(t *testing.T) {
	s := startServer(t, testHandlers("active"))
	c := newClient(t)
	for i := 0; i < 3; i++ {
		_, err := c.Managers(context.Background(), s.Addr())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.conns().Len())
}

func TestConnManagerEvictsIdle(t *testing.T) {
	c := newClient(t)
	cm := c.conns()
	_, rel, err := cm.Get("127.0.0.1:1")
	require.NoError(t, err)
	cm.evictIdle(time.Now().Add(time.Hour))
	assert.Equal(t, 1, cm.Len(), "referenced connections are kept")
	rel()
	cm.evictIdle(time.Now().Add(time.Hour))
	assert.Equal(t, 0, cm.Len())
}
