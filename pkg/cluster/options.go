package cluster

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	"github.com/amirimatin/swarm-token-server/pkg/registry"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

// Gateway is the subset of the orchestration gateway used by the node.
type Gateway interface {
	LocalState
	JoinToken(ctx context.Context, role string) (string, error)
	ListNodes(ctx context.Context) ([]gateway.Node, error)
}

// Registry is the subset of the peer registry used by the node.
type Registry interface {
	PeerHealth
	List() registry.Listing
	Reload() error
}

// Service is a background component whose lifetime follows the node, such
// as a gossip discovery ring. Services start before the RPC servers and stop
// after them.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options carries the injected components of a node. Instances are
// typically produced by bootstrap.Build.
type Options struct {
	Gateway  Gateway
	Registry Registry
	// RPCServers are optional; without any the node only serves in-process
	// callers through Handlers.
	RPCServers []transport.RPCServer
	Services   []Service
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Validate checks the required components. It performs no I/O.
func (o Options) Validate() error {
	if o.Gateway == nil {
		return ErrNoGateway
	}
	if o.Registry == nil {
		return ErrNoRegistry
	}
	return nil
}
