package cluster

import (
	"time"

	"github.com/amirimatin/swarm-token-server/pkg/health"
)

// Verdict values of a cluster-wide health check.
const (
	VerdictHealthy   = "healthy"
	VerdictDegraded  = "degraded"
	VerdictUnhealthy = "unhealthy"
)

// ClusterHealth is the aggregated view over the local node and every
// configured manager peer.
type ClusterHealth struct {
	Status       string
	HealthyCount int
	TotalCount   int
	// Nodes holds the local result first, then one result per peer in
	// registry order.
	Nodes     []health.Result
	Timestamp time.Time
}

// Verdict applies the cluster rule: healthy when every source is healthy,
// unhealthy when none is, degraded otherwise.
func Verdict(healthy, total int) string {
	switch {
	case healthy == total:
		return VerdictHealthy
	case healthy == 0:
		return VerdictUnhealthy
	default:
		return VerdictDegraded
	}
}
