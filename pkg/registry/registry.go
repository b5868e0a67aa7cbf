// Package registry owns the configured manager peer list and the read-through
// cache of their health.
//
// A single mutex guards the peer sequence, the cache map, the in-flight probe
// table and the reload generation. The lock is never held across a network
// probe: a miss registers an in-flight call, releases the lock, probes, and
// re-acquires the lock to store the result. A probe started before a reload
// observes a different generation and does not write into the new cache.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
	"github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
)

// CacheTTL is the maximum age of a cached peer health result.
const CacheTTL = 30 * time.Second

var (
	ErrNoDiscovery = errors.New("registry: nil Discovery")
	ErrNoProber    = errors.New("registry: nil Prober")
)

// Prober performs one health probe against a peer. Implementations never
// return an error: every failure is classified into the Result.
type Prober interface {
	ProbeHealth(ctx context.Context, peer string) health.Result
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, peer string) health.Result

func (f ProberFunc) ProbeHealth(ctx context.Context, peer string) health.Result { return f(ctx, peer) }

// Options configures a Registry.
type Options struct {
	Discovery discovery.Discovery
	Prober    Prober
	Logger    zerolog.Logger
	// Now overrides the clock used for freshness checks.
	Now func() time.Time
}

// Listing is the introspection view returned by List.
type Listing struct {
	Peers []string
	TTL   time.Duration
}

type call struct {
	done chan struct{}
	res  health.Result
}

// Registry holds the peer list and their cached health results.
type Registry struct {
	disc   discovery.Discovery
	prober Prober
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	peers    []string
	cache    map[string]health.Result
	inflight map[string]*call
	gen      uint64
}

// New builds a Registry and performs the initial Load.
func New(opts Options) (*Registry, error) {
	if opts.Discovery == nil {
		return nil, ErrNoDiscovery
	}
	if opts.Prober == nil {
		return nil, ErrNoProber
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		disc:     opts.Discovery,
		prober:   opts.Prober,
		logger:   opts.Logger,
		now:      opts.Now,
		cache:    make(map[string]health.Result),
		inflight: make(map[string]*call),
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the peer sequence from the discovery source. The cache is
// left untouched.
func (r *Registry) Load() error {
	peers, err := r.disc.Peers()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.peers = append([]string(nil), peers...)
	r.mu.Unlock()
	obsmetrics.Peers.Set(float64(len(peers)))
	r.logger.Info().Strs("peers", peers).Msg("manager peers loaded")
	return nil
}

// Reload loads the peer sequence again and clears the whole cache.
func (r *Registry) Reload() error {
	peers, err := r.disc.Peers()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.peers = append([]string(nil), peers...)
	r.cache = make(map[string]health.Result)
	r.inflight = make(map[string]*call)
	r.gen++
	r.mu.Unlock()
	obsmetrics.Peers.Set(float64(len(peers)))
	obsmetrics.Reloads.Inc()
	r.logger.Info().Strs("peers", peers).Msg("manager peers reloaded, health cache cleared")
	return nil
}

// List returns a copy of the peer sequence and the cache TTL.
func (r *Registry) List() Listing {
	return Listing{Peers: r.Peers(), TTL: CacheTTL}
}

// Peers returns a copy of the current peer sequence.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.peers...)
}

// GetOrRefresh returns the cached result for peer while it is fresh;
// otherwise it probes the peer, caches the result and returns it.
// Concurrent misses for the same peer share one probe. The probe ignores
// ctx cancellation and is bounded by the prober's own timeout.
func (r *Registry) GetOrRefresh(ctx context.Context, peer string) health.Result {
	r.mu.Lock()
	if e, ok := r.cache[peer]; ok && r.now().Sub(e.Timestamp) < CacheTTL {
		r.mu.Unlock()
		obsmetrics.CacheLookups.WithLabelValues("hit").Inc()
		return e
	}
	if c, ok := r.inflight[peer]; ok {
		r.mu.Unlock()
		obsmetrics.CacheLookups.WithLabelValues("shared").Inc()
		<-c.done
		return c.res
	}
	c := &call{done: make(chan struct{})}
	r.inflight[peer] = c
	gen := r.gen
	r.mu.Unlock()
	obsmetrics.CacheLookups.WithLabelValues("miss").Inc()

	res := r.probe(context.WithoutCancel(ctx), peer, c, gen)
	if !res.Healthy() {
		r.logger.Warn().Str("peer", peer).Str("status", string(res.Status)).Str("error", res.Error).Msg("peer not healthy")
	}
	return res
}

// probe runs one probe for c. The in-flight entry is released and waiters
// are woken even if the prober panics.
func (r *Registry) probe(ctx context.Context, peer string, c *call, gen uint64) health.Result {
	c.res = health.Failed(peer, health.StatusError, "probe aborted", r.now())
	defer func() {
		r.mu.Lock()
		if r.inflight[peer] == c {
			delete(r.inflight, peer)
		}
		r.mu.Unlock()
		close(c.done)
	}()

	res := r.prober.ProbeHealth(ctx, peer)
	r.mu.Lock()
	if r.gen == gen {
		r.cache[peer] = res
	}
	r.mu.Unlock()
	c.res = res
	return res
}
