// Package cluster is the node facade. It wires the orchestration gateway, the
// peer registry and the aggregator into the API handler funcs served by the
// transport.
package cluster

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

// Cluster is one swarm token node.
type Cluster struct {
	opts   Options
	gw     Gateway
	reg    Registry
	agg    *Aggregator
	logger zerolog.Logger
	eb     eventBus

	mu   sync.Mutex
	run  struct{ started, closed bool }
	last string
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to serve.
func New(opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cluster{
		opts:   opts,
		gw:     opts.Gateway,
		reg:    opts.Registry,
		agg:    NewAggregator(opts.Gateway, opts.Registry, opts.Now).WithLogger(opts.Logger),
		logger: opts.Logger,
	}, nil
}

// Start registers metrics and starts the configured RPC servers.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.started {
		return nil
	}
	c.run.started = true
	obsmetrics.Register()
	for i, svc := range c.opts.Services {
		if err := svc.Start(ctx); err != nil {
			stopServices(ctx, c.opts.Services[:i])
			return err
		}
	}
	if len(c.opts.RPCServers) == 0 {
		return nil
	}
	h := c.Handlers()
	for i, srv := range c.opts.RPCServers {
		if err := srv.Start(ctx, h); err != nil {
			for _, started := range c.opts.RPCServers[:i] {
				_ = started.Stop(ctx)
			}
			stopServices(ctx, c.opts.Services)
			return err
		}
		c.logger.Info().Str("addr", srv.Addr()).Msg("swarm token server listening")
	}
	c.logger.Info().Strs("endpoints", []string{
		"/health", "/health/all", "/swarm/worker", "/swarm/manager",
		"/swarm/nodes", "/managers", "/managers/reload", "/metrics",
	}).Msg("available endpoints")
	c.logger.Info().Strs("managers", c.reg.Peers()).Msg("configured managers")
	return nil
}

// Stop shuts down the RPC servers.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.closed {
		return nil
	}
	c.run.closed = true
	var errs []error
	for _, srv := range c.opts.RPCServers {
		errs = append(errs, srv.Stop(ctx))
	}
	for i := len(c.opts.Services) - 1; i >= 0; i-- {
		errs = append(errs, c.opts.Services[i].Stop(ctx))
	}
	return errors.Join(errs...)
}

func stopServices(ctx context.Context, svcs []Service) {
	for i := len(svcs) - 1; i >= 0; i-- {
		_ = svcs[i].Stop(ctx)
	}
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Handlers returns the transport handler funcs backed by this node.
func (c *Cluster) Handlers() transport.Handlers {
	return transport.Handlers{
		LocalHealth:   c.LocalHealth,
		ClusterHealth: c.ClusterHealth,
		Token:         c.Token,
		Nodes:         c.Nodes,
		Managers:      c.Managers,
		Reload:        c.Reload,
	}
}

// GlobalHealth runs the aggregator and publishes verdict changes.
func (c *Cluster) GlobalHealth(ctx context.Context) ClusterHealth {
	ch := c.agg.GlobalHealth(ctx)
	c.mu.Lock()
	prev := c.last
	c.last = ch.Status
	c.mu.Unlock()
	if prev != ch.Status {
		if prev != "" {
			c.logger.Warn().Str("from", prev).Str("to", ch.Status).Msg("cluster health changed")
		}
		c.eb.publish(Event{Type: EventHealthChanged, At: ch.Timestamp, Status: ch.Status, Previous: prev})
	}
	return ch
}

func (c *Cluster) LocalHealth(ctx context.Context) transport.HealthResponse {
	r := c.agg.LocalHealth(ctx)
	return transport.HealthResponse{Status: r.Status, Swarm: r.Swarm, Error: r.Error}
}

func (c *Cluster) ClusterHealth(ctx context.Context) (transport.ClusterHealthResponse, error) {
	ch := c.GlobalHealth(ctx)
	return transport.ClusterHealthResponse{
		Status:       ch.Status,
		HealthyCount: ch.HealthyCount,
		TotalCount:   ch.TotalCount,
		Nodes:        ch.Nodes,
		Timestamp:    ch.Timestamp,
	}, nil
}

func (c *Cluster) Token(ctx context.Context, role string) (transport.TokenResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.token", "role", role)
	defer end()
	tok, err := c.gw.JoinToken(ctx, role)
	if err != nil {
		c.logger.Error().Err(err).Str("role", role).Msg("join token failed")
		switch {
		case errors.Is(err, gateway.ErrTimeout):
			return transport.TokenResponse{}, commandError("Docker command timeout", err)
		case errors.Is(err, gateway.ErrInvalidRole):
			return transport.TokenResponse{}, &transport.Error{Code: http.StatusBadRequest, Message: "Invalid role", Err: err}
		default:
			return transport.TokenResponse{}, commandError("Failed to get "+role+" token", err)
		}
	}
	return transport.TokenResponse{Token: tok, Type: role}, nil
}

func (c *Cluster) Nodes(ctx context.Context) (transport.NodesResponse, error) {
	nodes, err := c.gw.ListNodes(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("node list failed")
		if errors.Is(err, gateway.ErrTimeout) {
			return transport.NodesResponse{}, commandError("Docker command timeout", err)
		}
		return transport.NodesResponse{}, commandError("Failed to list nodes", err)
	}
	out := make([]transport.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, transport.Node(n))
	}
	return transport.NodesResponse{Nodes: out, Count: len(out)}, nil
}

func (c *Cluster) Managers(context.Context) (transport.ManagersResponse, error) {
	l := c.reg.List()
	return transport.ManagersResponse{
		Managers: nonNil(l.Peers),
		Count:    len(l.Peers),
		CacheTTL: int(l.TTL / time.Second),
	}, nil
}

func (c *Cluster) Reload(context.Context) (transport.ManagersResponse, error) {
	if err := c.reg.Reload(); err != nil {
		c.logger.Error().Err(err).Msg("manager reload failed")
		return transport.ManagersResponse{}, commandError("Failed to reload managers", err)
	}
	peers := c.reg.Peers()
	c.eb.publish(Event{Type: EventPeersReloaded, At: c.opts.Now(), Peers: peers})
	return transport.ManagersResponse{Status: "reloaded", Managers: nonNil(peers), Count: len(peers)}, nil
}

func commandError(msg string, err error) error {
	return &transport.Error{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
