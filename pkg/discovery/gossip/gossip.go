// Package gossip discovers manager peers through a memberlist gossip ring.
// Each node advertises the address of its API as node metadata; Peers
// returns the API addresses of every other live member.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
)

const (
	metaAPI     = "api"
	metaAPIPort = "api_port"
)

// DefaultSettle is the quiet period after a join or leave before OnChange
// fires.
const DefaultSettle = 500 * time.Millisecond

var (
	ErrNoName    = errors.New("gossip: empty NodeName")
	ErrNoBind    = errors.New("gossip: empty Bind address")
	ErrNoAPI     = errors.New("gossip: APIAddr or APIPort required")
	ErrNotActive = errors.New("gossip: not started")
)

// Options configures the gossip ring.
type Options struct {
	NodeName string
	// Bind is host:port for gossip traffic (e.g. "0.0.0.0:7946").
	Bind string
	// Advertise is the host:port peers use to reach this node. Derived from
	// Bind when empty.
	Advertise string
	Seeds     []string

	// APIAddr is advertised verbatim when set. Otherwise peers combine the
	// gossip address of this node with APIPort.
	APIAddr string
	APIPort int

	ProbeInterval time.Duration
	SuspicionMult int
	Settle        time.Duration
	Logger        zerolog.Logger
}

// Membership is a started-on-demand gossip ring usable as a discovery source.
type Membership struct {
	opts Options

	startMu sync.Mutex
	mu      sync.RWMutex
	ml      *memberlist.Memberlist

	// cbMu guards the change callback. memberlist notifies while holding
	// its own locks, so the callback path never touches mu or ml.
	cbMu     sync.Mutex
	onChange func()
	timer    *time.Timer
}

// New validates opts. No socket is opened until Start.
func New(opts Options) (*Membership, error) {
	if opts.NodeName == "" {
		return nil, ErrNoName
	}
	if opts.Bind == "" {
		return nil, ErrNoBind
	}
	if opts.APIAddr == "" && opts.APIPort <= 0 {
		return nil, ErrNoAPI
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	return &Membership{opts: opts}, nil
}

// OnChange registers fn to run once membership settles after a change.
func (m *Membership) OnChange(fn func()) {
	m.cbMu.Lock()
	m.onChange = fn
	m.cbMu.Unlock()
}

// Start creates the memberlist instance and joins the seeds. A failed join
// is logged and not fatal: this node may be the first of the ring.
func (m *Membership) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.active() != nil {
		return nil
	}
	cfg, err := m.config()
	if err != nil {
		return err
	}
	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("gossip: create: %w", err)
	}
	m.mu.Lock()
	m.ml = ml
	m.mu.Unlock()

	if len(m.opts.Seeds) > 0 {
		n, err := ml.Join(m.opts.Seeds)
		if err != nil {
			m.opts.Logger.Warn().Err(err).Strs("seeds", m.opts.Seeds).Msg("gossip join incomplete")
		} else {
			m.opts.Logger.Info().Int("contacted", n).Msg("gossip ring joined")
		}
	}
	go func() {
		<-ctx.Done()
		_ = m.Stop(context.Background())
	}()
	return nil
}

func (m *Membership) config() (*memberlist.Config, error) {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeName
	host, port, err := splitHostPort(m.opts.Bind)
	if err != nil {
		return nil, err
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if m.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(m.opts.Advertise)
		if err != nil {
			return nil, err
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	meta, err := json.Marshal(map[string]string{
		metaAPI:     m.opts.APIAddr,
		metaAPIPort: strconv.Itoa(m.opts.APIPort),
	})
	if err != nil {
		return nil, err
	}
	cfg.Delegate = nodeMeta(meta)
	cfg.Events = &events{m: m}
	cfg.LogOutput = logWriter{m.opts.Logger.With().Str("lib", "memberlist").Logger()}
	return cfg, nil
}

func (m *Membership) active() *memberlist.Memberlist {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ml
}

// Peers returns the API addresses of the remote live members sorted by node
// name. Before Start it returns an empty list.
func (m *Membership) Peers() ([]string, error) {
	ml := m.active()
	if ml == nil {
		return nil, nil
	}
	local := ml.LocalNode().Name
	nodes := ml.Members()
	obsmetrics.GossipMembers.Set(float64(len(nodes)))
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == local {
			continue
		}
		if addr := apiAddr(n); addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}

// LocalAddr is the gossip address of this node.
func (m *Membership) LocalAddr() (string, error) {
	ml := m.active()
	if ml == nil {
		return "", ErrNotActive
	}
	n := ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), nil
}

// Stop leaves the ring and shuts memberlist down.
func (m *Membership) Stop(context.Context) error {
	m.mu.Lock()
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()
	m.cbMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.onChange = nil
	m.cbMu.Unlock()
	if ml == nil {
		return nil
	}
	_ = ml.Leave(time.Second)
	return ml.Shutdown()
}

func (m *Membership) changed(kind string, n *memberlist.Node) {
	m.opts.Logger.Info().Str("event", kind).Str("member", n.Name).Str("api", apiAddr(n)).Msg("gossip membership changed")
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if m.onChange == nil {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.Settle, m.onChange)
}

func apiAddr(n *memberlist.Node) string {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	if a := meta[metaAPI]; a != "" {
		return a
	}
	p := meta[metaAPIPort]
	if p == "" || p == "0" || n.Addr == nil {
		return ""
	}
	return net.JoinHostPort(n.Addr.String(), p)
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("gossip: invalid address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 || p > 65535 {
		return "", 0, fmt.Errorf("gossip: invalid port in %q", addr)
	}
	return host, p, nil
}

// logWriter routes memberlist's standard log lines into zerolog, dropping
// its debug chatter.
type logWriter struct{ l zerolog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(line, "[DEBUG]"):
	case strings.Contains(line, "[ERR]"):
		w.l.Error().Msg(line)
	case strings.Contains(line, "[WARN]"):
		w.l.Warn().Msg(line)
	default:
		w.l.Info().Msg(line)
	}
	return len(p), nil
}

// events forwards memberlist notifications. Callbacks must not block.
type events struct{ m *Membership }

func (e *events) NotifyJoin(n *memberlist.Node)   { e.m.changed("join", n) }
func (e *events) NotifyLeave(n *memberlist.Node)  { e.m.changed("leave", n) }
func (e *events) NotifyUpdate(n *memberlist.Node) { e.m.changed("update", n) }

// nodeMeta publishes static metadata; the remaining hooks are unused.
type nodeMeta []byte

func (d nodeMeta) NodeMeta(limit int) []byte {
	if len(d) > limit {
		return nil
	}
	return d
}
func (nodeMeta) NotifyMsg([]byte)                {}
func (nodeMeta) GetBroadcasts(int, int) [][]byte { return nil }
func (nodeMeta) LocalState(bool) []byte          { return nil }
func (nodeMeta) MergeRemoteState([]byte, bool)   {}

var _ discovery.Discovery = (*Membership)(nil)
