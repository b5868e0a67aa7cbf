package cluster

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	"github.com/amirimatin/swarm-token-server/pkg/health"
	"github.com/amirimatin/swarm-token-server/pkg/registry"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

type fakeGateway struct {
	fakeLocal
	token    string
	tokenErr error
	nodes    []gateway.Node
	nodesErr error
}

func (f *fakeGateway) JoinToken(_ context.Context, role string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token + "-" + role, nil
}

func (f *fakeGateway) ListNodes(context.Context) ([]gateway.Node, error) { return f.nodes, f.nodesErr }

type fakeRegistry struct {
	*fakePeers
	reloadErr error
	next      []string
}

func (f *fakeRegistry) List() registry.Listing {
	return registry.Listing{Peers: f.Peers(), TTL: registry.CacheTTL}
}

func (f *fakeRegistry) Reload() error {
	if f.reloadErr != nil {
		return f.reloadErr
	}
	f.peers = f.next
	return nil
}

func newTestCluster(t *testing.T, gw *fakeGateway, reg *fakeRegistry) *Cluster {
	t.Helper()
	c, err := New(Options{Gateway: gw, Registry: reg})
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Registry: &fakeRegistry{fakePeers: &fakePeers{}}})
	assert.ErrorIs(t, err, ErrNoGateway)
	_, err = New(Options{Gateway: &fakeGateway{}})
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func TestLocalHealthResponse(t *testing.T) {
	c := newTestCluster(t, &fakeGateway{fakeLocal: fakeLocal{state: "active"}}, &fakeRegistry{fakePeers: &fakePeers{}})
	assert.Equal(t, transport.HealthResponse{Status: health.StatusHealthy, Swarm: "active"}, c.LocalHealth(context.Background()))

	c = newTestCluster(t, &fakeGateway{fakeLocal: fakeLocal{state: "inactive"}}, &fakeRegistry{fakePeers: &fakePeers{}})
	assert.Equal(t, transport.HealthResponse{Status: health.StatusUnhealthy, Swarm: "inactive"}, c.LocalHealth(context.Background()))

	c = newTestCluster(t, &fakeGateway{fakeLocal: fakeLocal{err: gateway.ErrTimeout}}, &fakeRegistry{fakePeers: &fakePeers{}})
	assert.Equal(t, transport.HealthResponse{Status: health.StatusUnhealthy, Error: "docker timeout"}, c.LocalHealth(context.Background()))

	daemonDown := &gateway.Error{Args: []string{"docker", "info"}, ExitCode: 1, Stderr: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock\n"}
	c = newTestCluster(t, &fakeGateway{fakeLocal: fakeLocal{err: daemonDown}}, &fakeRegistry{fakePeers: &fakePeers{}})
	assert.Equal(t, transport.HealthResponse{Status: health.StatusUnhealthy, Swarm: "inactive"}, c.LocalHealth(context.Background()))
}

func TestTokenErrors(t *testing.T) {
	c := newTestCluster(t, &fakeGateway{token: "SWMTKN"}, &fakeRegistry{fakePeers: &fakePeers{}})
	resp, err := c.Token(context.Background(), gateway.RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, transport.TokenResponse{Token: "SWMTKN-worker", Type: "worker"}, resp)

	cases := []struct {
		err  error
		role string
		code int
		msg  string
	}{
		{&gateway.Error{ExitCode: 1, Stderr: "not a manager", Err: errors.New("exit 1")}, gateway.RoleWorker, http.StatusInternalServerError, "Failed to get worker token"},
		{&gateway.Error{ExitCode: 1}, gateway.RoleManager, http.StatusInternalServerError, "Failed to get manager token"},
		{gateway.ErrTimeout, gateway.RoleWorker, http.StatusInternalServerError, "Docker command timeout"},
	}
	for _, tc := range cases {
		c := newTestCluster(t, &fakeGateway{tokenErr: tc.err}, &fakeRegistry{fakePeers: &fakePeers{}})
		_, err := c.Token(context.Background(), tc.role)
		var te *transport.Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tc.code, te.Code)
		assert.Equal(t, tc.msg, te.Message)
	}
}

func TestNodes(t *testing.T) {
	gw := &fakeGateway{nodes: []gateway.Node{{ID: "a", Hostname: "m1", Self: true}, {ID: "b", Hostname: "w1"}}}
	c := newTestCluster(t, gw, &fakeRegistry{fakePeers: &fakePeers{}})
	resp, err := c.Nodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "m1", resp.Nodes[0].Hostname)
	assert.True(t, resp.Nodes[0].Self)

	gw.nodesErr = &gateway.Error{ExitCode: 1}
	_, err = c.Nodes(context.Background())
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Failed to list nodes", te.Message)
}

func TestManagersAndReload(t *testing.T) {
	reg := &fakeRegistry{fakePeers: &fakePeers{peers: []string{"a:1", "b:2"}}, next: []string{"c:3"}}
	c := newTestCluster(t, &fakeGateway{}, reg)

	m, err := c.Managers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.ManagersResponse{Managers: []string{"a:1", "b:2"}, Count: 2, CacheTTL: 30}, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	r, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.ManagersResponse{Status: "reloaded", Managers: []string{"c:3"}, Count: 1}, r)

	select {
	case ev := <-events:
		assert.Equal(t, EventPeersReloaded, ev.Type)
		assert.Equal(t, []string{"c:3"}, ev.Peers)
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}

	reg.reloadErr = errors.New("file missing")
	_, err = c.Reload(context.Background())
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Failed to reload managers", te.Message)
}

func TestEmptyManagersIsEmptyList(t *testing.T) {
	c := newTestCluster(t, &fakeGateway{}, &fakeRegistry{fakePeers: &fakePeers{}})
	m, err := c.Managers(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, m.Managers)
	assert.Equal(t, 0, m.Count)
}

func TestClusterHealthPublishesVerdictChanges(t *testing.T) {
	gw := &fakeGateway{fakeLocal: fakeLocal{state: "active"}}
	fp := &fakePeers{peers: []string{"a:1"}, status: map[string]health.Status{}}
	c := newTestCluster(t, gw, &fakeRegistry{fakePeers: fp})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	resp, err := c.ClusterHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictHealthy, resp.Status)
	ev := <-events
	assert.Equal(t, EventHealthChanged, ev.Type)
	assert.Equal(t, VerdictHealthy, ev.Status)
	assert.Empty(t, ev.Previous)

	_, _ = c.ClusterHealth(context.Background())
	fp.status["a:1"] = health.StatusUnreachable
	resp, err = c.ClusterHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictDegraded, resp.Status)
	assert.Equal(t, 1, resp.HealthyCount)
	assert.Equal(t, 2, resp.TotalCount)

	ev = <-events
	assert.Equal(t, VerdictDegraded, ev.Status)
	assert.Equal(t, VerdictHealthy, ev.Previous)
}

func TestHandlersWired(t *testing.T) {
	c := newTestCluster(t, &fakeGateway{}, &fakeRegistry{fakePeers: &fakePeers{}})
	h := c.Handlers()
	assert.NotNil(t, h.LocalHealth)
	assert.NotNil(t, h.ClusterHealth)
	assert.NotNil(t, h.Token)
	assert.NotNil(t, h.Nodes)
	assert.NotNil(t, h.Managers)
	assert.NotNil(t, h.Reload)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
}

type recordingService struct {
	name     string
	log      *[]string
	startErr error
}

func (s *recordingService) Start(context.Context) error {
	*s.log = append(*s.log, "start "+s.name)
	return s.startErr
}

func (s *recordingService) Stop(context.Context) error {
	*s.log = append(*s.log, "stop "+s.name)
	return nil
}

func TestServicesLifecycleOrder(t *testing.T) {
	var log []string
	c, err := New(Options{
		Gateway:  &fakeGateway{},
		Registry: &fakeRegistry{fakePeers: &fakePeers{}},
		Services: []Service{
			&recordingService{name: "a", log: &log},
			&recordingService{name: "b", log: &log},
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestServiceStartFailureUnwinds(t *testing.T) {
	var log []string
	boom := errors.New("bind failed")
	c, err := New(Options{
		Gateway:  &fakeGateway{},
		Registry: &fakeRegistry{fakePeers: &fakePeers{}},
		Services: []Service{
			&recordingService{name: "a", log: &log},
			&recordingService{name: "b", log: &log, startErr: boom},
		},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), boom)
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}
