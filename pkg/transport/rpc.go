package transport

import (
	"context"
	"time"

	"github.com/amirimatin/swarm-token-server/pkg/health"
)

// HealthResponse is the /health payload. Peers probe each other's /health
// and read the swarm field.
type HealthResponse struct {
	Status health.Status `json:"status"`
	Swarm  string        `json:"swarm,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ClusterHealthResponse is the /health/all payload.
type ClusterHealthResponse struct {
	Status       string          `json:"status"`
	HealthyCount int             `json:"healthy_count"`
	TotalCount   int             `json:"total_count"`
	Nodes        []health.Result `json:"nodes"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TokenResponse is the /swarm/{worker,manager} payload.
type TokenResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

// Node mirrors one swarm node entry as reported by the orchestration CLI.
type Node struct {
	ID            string `json:"ID"`
	Hostname      string `json:"Hostname"`
	Status        string `json:"Status"`
	Availability  string `json:"Availability"`
	ManagerStatus string `json:"ManagerStatus"`
	EngineVersion string `json:"EngineVersion"`
	TLSStatus     string `json:"TLSStatus,omitempty"`
	Self          bool   `json:"Self"`
}

// NodesResponse is the /swarm/nodes payload.
type NodesResponse struct {
	Nodes []Node `json:"nodes"`
	Count int    `json:"count"`
}

// ManagersResponse is the /managers and /managers/reload payload.
type ManagersResponse struct {
	Status   string   `json:"status,omitempty"`
	Managers []string `json:"managers"`
	Count    int      `json:"count"`
	// CacheTTL is expressed in seconds.
	CacheTTL int `json:"cache_ttl,omitempty"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error is returned by handler funcs to choose the HTTP status and the short
// message exposed to callers. Err keeps the underlying cause for logging.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

type (
	// LocalHealthFunc reports local health. The server answers 200 only
	// when the returned status is healthy.
	LocalHealthFunc func(ctx context.Context) HealthResponse
	// ClusterHealthFunc aggregates local and peer health. A non-nil error
	// maps to 500; otherwise 200 only for a healthy verdict.
	ClusterHealthFunc func(ctx context.Context) (ClusterHealthResponse, error)
	// TokenFunc issues a join token for role. Errors other than *Error map
	// to a generic 500, as for the funcs below.
	TokenFunc func(ctx context.Context, role string) (TokenResponse, error)
	// NodesFunc lists swarm nodes.
	NodesFunc func(ctx context.Context) (NodesResponse, error)
	// ManagersFunc lists configured manager peers.
	ManagersFunc func(ctx context.Context) (ManagersResponse, error)
	// ReloadFunc reloads manager peers and clears the health cache.
	ReloadFunc func(ctx context.Context) (ManagersResponse, error)
)

// Handlers binds API operations to the HTTP server. Nil entries answer 501.
type Handlers struct {
	LocalHealth   LocalHealthFunc
	ClusterHealth ClusterHealthFunc
	Token         TokenFunc
	Nodes         NodesFunc
	Managers      ManagersFunc
	Reload        ReloadFunc
}

// RPCServer exposes the HTTP API.
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient calls the HTTP API of another instance.
type RPCClient interface {
	ProbeHealth(ctx context.Context, addr string) health.Result
	GetJSON(ctx context.Context, addr, path string) (int, []byte, error)
}
