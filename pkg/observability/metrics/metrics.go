package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm_token",
		Name:      "peers_total",
		Help:      "Current number of configured manager peers",
	})

	Reloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Name:      "registry_reloads_total",
		Help:      "Total number of peer registry reloads",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Peer health cache lookups by result (hit|miss|shared)",
	}, []string{"result"})

	PeerProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "peer",
		Name:      "probes_total",
		Help:      "Total peer health probes by resulting status",
	}, []string{"status"})

	PeerProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swarm_token",
		Subsystem: "peer",
		Name:      "probe_duration_seconds",
		Help:      "Duration of peer health probes",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	GatewayInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "gateway",
		Name:      "invocations_total",
		Help:      "Orchestration CLI invocations by command and result",
	}, []string{"command", "result"})

	ClusterChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "cluster",
		Name:      "health_checks_total",
		Help:      "Cluster-wide health aggregations by verdict",
	}, []string{"status"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by route and status code",
	}, []string{"route", "code"})

	GRPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "gRPC calls served by method and status code",
	}, []string{"method", "code"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "grpc",
		Name:      "conn_dials_total",
		Help:      "Client connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "grpc",
		Name:      "conn_reuse_total",
		Help:      "Dials discarded in favor of a concurrently created connection",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm_token",
		Subsystem: "grpc",
		Name:      "conn_evictions_total",
		Help:      "Idle client connections closed",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm_token",
		Subsystem: "grpc",
		Name:      "conn_active",
		Help:      "Cached client connections",
	})

	GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm_token",
		Subsystem: "gossip",
		Name:      "members",
		Help:      "Live members of the gossip ring, including this node",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Peers)
		prometheus.MustRegister(Reloads)
		prometheus.MustRegister(CacheLookups)
		prometheus.MustRegister(PeerProbes)
		prometheus.MustRegister(PeerProbeDuration)
		prometheus.MustRegister(GatewayInvocations)
		prometheus.MustRegister(ClusterChecks)
		prometheus.MustRegister(HTTPRequests)
		prometheus.MustRegister(GRPCRequests)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
		prometheus.MustRegister(GossipMembers)
	})
}
