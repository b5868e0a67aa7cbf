package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	"github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
)

// LocalState reports the swarm state of the local daemon.
type LocalState interface {
	LocalSwarmState(ctx context.Context) (string, error)
}

// PeerHealth is the registry view the aggregator reads from.
type PeerHealth interface {
	Peers() []string
	GetOrRefresh(ctx context.Context, peer string) health.Result
}

// Aggregator combines the local observation with the cached health of every
// configured peer.
type Aggregator struct {
	local  LocalState
	peers  PeerHealth
	now    func() time.Time
	logger zerolog.Logger
}

// NewAggregator returns an Aggregator. now may be nil.
func NewAggregator(local LocalState, peers PeerHealth, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{local: local, peers: peers, now: now, logger: zerolog.Nop()}
}

// WithLogger sets the logger receiving local check failures.
func (a *Aggregator) WithLogger(l zerolog.Logger) *Aggregator { a.logger = l; return a }

// LocalHealth observes the local daemon. A timeout is reported with a short
// error message; a failed docker command reads as an inactive swarm. The
// command output stays in the server log.
func (a *Aggregator) LocalHealth(ctx context.Context) health.Result {
	state, err := a.local.LocalSwarmState(ctx)
	if err == nil {
		return health.FromSwarmState(health.LocalSource, state, a.now())
	}
	a.logger.Error().Err(err).Msg("local health check failed")
	var gerr *gateway.Error
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		return health.Failed(health.LocalSource, health.StatusUnhealthy, "docker timeout", a.now())
	case errors.As(err, &gerr):
		return health.FromSwarmState(health.LocalSource, health.SwarmInactive, a.now())
	default:
		return health.Failed(health.LocalSource, health.StatusUnhealthy, "docker command failed", a.now())
	}
}

// GlobalHealth probes the local node and all peers and computes the verdict.
// Peers are queried concurrently; an individual failure never aborts the
// check.
func (a *Aggregator) GlobalHealth(ctx context.Context) ClusterHealth {
	ctx, end := tracing.StartSpan(ctx, "cluster.globalHealth")
	defer end()

	peers := a.peers.Peers()
	nodes := make([]health.Result, 1+len(peers))

	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			nodes[i+1] = a.peers.GetOrRefresh(ctx, p)
		}(i, p)
	}
	nodes[0] = a.LocalHealth(ctx)
	wg.Wait()

	healthy := 0
	for _, n := range nodes {
		if n.Healthy() {
			healthy++
		}
	}
	ch := ClusterHealth{
		Status:       Verdict(healthy, len(nodes)),
		HealthyCount: healthy,
		TotalCount:   len(nodes),
		Nodes:        nodes,
		Timestamp:    a.now(),
	}
	obsmetrics.ClusterChecks.WithLabelValues(ch.Status).Inc()
	return ch
}
