// Package bootstrap assembles a swarm token node from resolved settings.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/internal/logutil"
	"github.com/amirimatin/swarm-token-server/pkg/cluster"
	"github.com/amirimatin/swarm-token-server/pkg/config"
	"github.com/amirimatin/swarm-token-server/pkg/discovery"
	dDNS "github.com/amirimatin/swarm-token-server/pkg/discovery/dns"
	dFile "github.com/amirimatin/swarm-token-server/pkg/discovery/file"
	dGossip "github.com/amirimatin/swarm-token-server/pkg/discovery/gossip"
	dStatic "github.com/amirimatin/swarm-token-server/pkg/discovery/static"
	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	"github.com/amirimatin/swarm-token-server/pkg/registry"
	tlsx "github.com/amirimatin/swarm-token-server/pkg/security/tlsconfig"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
	mgmtgrpc "github.com/amirimatin/swarm-token-server/pkg/transport/grpc"
	httpjson "github.com/amirimatin/swarm-token-server/pkg/transport/httpjson"
)

// Config defines the inputs to assemble a node. Applications embedding the
// server provide this structure and call Build or Run.
type Config struct {
	Settings config.Config

	// Logger is optional; the zero value falls back to logutil.Default().
	Logger *zerolog.Logger

	// Runner overrides how the docker CLI is executed.
	Runner gateway.Runner

	// Discovery overrides the source selected by Settings.Discovery.
	Discovery discovery.Discovery
}

// NewDiscovery selects the peer source named by s.Discovery.
func NewDiscovery(s config.Config, logger zerolog.Logger) (discovery.Discovery, error) {
	switch s.Discovery {
	case config.DiscoveryGossip:
		name := s.NodeName
		if name == "" {
			h, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("bootstrap: node name: %w", err)
			}
			name = h
		}
		g, err := dGossip.New(dGossip.Options{
			NodeName:  name,
			Bind:      s.GossipBind,
			Advertise: s.GossipAdvertise,
			Seeds:     discovery.ParseCSV(s.GossipSeeds),
			APIAddr:   s.GossipAPIAddr,
			APIPort:   s.APIPort(),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.DiscoveryDNS:
		return dDNS.New(dDNS.Options{Names: dStatic.Parse(s.DNSNames), Port: s.DNSPort}), nil
	case config.DiscoveryFile:
		return dFile.New(dFile.Options{Path: s.ManagersFile}), nil
	case config.DiscoveryStatic, "":
		if s.ManagersPinned {
			return dStatic.New(s.Managers), nil
		}
		return dStatic.FromEnv(config.ManagersEnv, s.Managers), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown discovery %q", s.Discovery)
	}
}

// Build assembles a cluster.Cluster from Config without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	logger := logutil.Default()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	disc := cfg.Discovery
	if disc == nil {
		d, err := NewDiscovery(cfg.Settings, logutil.Component(logger, "discovery"))
		if err != nil {
			return nil, err
		}
		disc = d
	}

	topts := tlsx.Options{
		CertFile:           cfg.Settings.TLSCert,
		KeyFile:            cfg.Settings.TLSKey,
		CAFile:             cfg.Settings.TLSCA,
		InsecureSkipVerify: cfg.Settings.TLSSkipVerify,
	}
	srvTLS, err := topts.Server()
	if err != nil {
		return nil, err
	}
	cliTLS, err := topts.Client()
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gateway.Options{
		Binary: cfg.Settings.DockerBin,
		Runner: cfg.Runner,
		Logger: logutil.Component(logger, "gateway"),
	})
	var probe registry.Prober = httpjson.NewClient(httpjson.ProbeTimeout).UseTLS(cliTLS)
	if cfg.Settings.ProbeProto == config.ProtoGRPC {
		probe = mgmtgrpc.NewClient(httpjson.ProbeTimeout).UseTLS(cliTLS)
	}

	reg, err := registry.New(registry.Options{
		Discovery: disc,
		Prober:    probe,
		Logger:    logutil.Component(logger, "registry"),
	})
	if err != nil {
		return nil, err
	}

	srv := httpjson.NewServer(cfg.Settings.Addr(), logutil.Component(logger, "http"))
	if srvTLS != nil {
		srv.UseTLS(srvTLS)
	}
	servers := []transport.RPCServer{srv}
	if addr := cfg.Settings.GRPCAddr(); addr != "" {
		gs := mgmtgrpc.NewServer(addr, logutil.Component(logger, "grpc"))
		if srvTLS != nil {
			gs.UseTLS(srvTLS)
		}
		servers = append(servers, gs)
	}

	var services []cluster.Service
	if svc, ok := disc.(cluster.Service); ok {
		services = append(services, svc)
	}
	cl, err := cluster.New(cluster.Options{
		Gateway:    gw,
		Registry:   reg,
		RPCServers: servers,
		Services:   services,
		Logger:     logutil.Component(logger, "node"),
	})
	if err != nil {
		return nil, err
	}
	// Dynamic sources reload the registry when their membership settles.
	if n, ok := disc.(interface{ OnChange(func()) }); ok {
		n.OnChange(func() { _, _ = cl.Reload(context.Background()) })
	}
	return cl, nil
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
	cl, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := cl.Start(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}
