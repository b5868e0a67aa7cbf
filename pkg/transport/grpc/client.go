package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/swarm-token-server/pkg/health"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

// Client calls the gRPC API of peer instances. Connections are cached per
// address and evicted when idle.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	mu sync.Mutex
	cm *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close releases all cached connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		c.cm.Close()
		c.cm = nil
	}
}

func (c *Client) dial(target string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if c.tlsCfg != nil {
		creds = credentials.NewTLS(c.tlsCfg)
	}
	return grpc.NewClient(target,
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithTransportCredentials(creds),
	)
}

func (c *Client) conns() *ConnManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dial)
	}
	return c.cm
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.conns().Get(addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) Health(ctx context.Context, addr string) (transport.HealthResponse, error) {
	var out transport.HealthResponse
	err := c.invoke(ctx, addr, "Health", &empty{}, &out)
	return out, err
}

func (c *Client) ClusterHealth(ctx context.Context, addr string) (transport.ClusterHealthResponse, error) {
	var out transport.ClusterHealthResponse
	err := c.invoke(ctx, addr, "ClusterHealth", &empty{}, &out)
	return out, err
}

func (c *Client) Token(ctx context.Context, addr, role string) (transport.TokenResponse, error) {
	var out transport.TokenResponse
	err := c.invoke(ctx, addr, "Token", &TokenRequest{Role: role}, &out)
	return out, err
}

func (c *Client) Nodes(ctx context.Context, addr string) (transport.NodesResponse, error) {
	var out transport.NodesResponse
	err := c.invoke(ctx, addr, "Nodes", &empty{}, &out)
	return out, err
}

func (c *Client) Managers(ctx context.Context, addr string) (transport.ManagersResponse, error) {
	var out transport.ManagersResponse
	err := c.invoke(ctx, addr, "Managers", &empty{}, &out)
	return out, err
}

func (c *Client) Reload(ctx context.Context, addr string) (transport.ManagersResponse, error) {
	var out transport.ManagersResponse
	err := c.invoke(ctx, addr, "Reload", &empty{}, &out)
	return out, err
}

// ProbeHealth classifies a Health call the same way the HTTP probe does:
// a healthy answer with a swarm state is healthy, other answers are
// unhealthy, transport failures are unreachable and the rest is error.
func (c *Client) ProbeHealth(ctx context.Context, addr string) health.Result {
	resp, err := c.Health(ctx, addr)
	if err != nil {
		st := health.StatusError
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			st = health.StatusUnreachable
		}
		return health.Failed(addr, st, err.Error(), time.Now())
	}
	if resp.Status != health.StatusHealthy {
		r := health.Failed(addr, health.StatusUnhealthy, "status "+string(resp.Status), time.Now())
		r.Swarm = resp.Swarm
		return r
	}
	if resp.Swarm == "" {
		return health.Failed(addr, health.StatusError, "health response missing swarm field", time.Now())
	}
	return health.Result{Source: addr, Status: health.StatusHealthy, Swarm: resp.Swarm, Timestamp: time.Now()}
}

// GetJSON maps an HTTP route to the matching call and renders the outcome
// as the HTTP API would: the JSON payload and an equivalent status code.
func (c *Client) GetJSON(ctx context.Context, addr, path string) (int, []byte, error) {
	var (
		out  interface{}
		code = http.StatusOK
		err  error
	)
	switch path {
	case "/health":
		var r transport.HealthResponse
		r, err = c.Health(ctx, addr)
		if err == nil && r.Status != health.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		out = r
	case "/health/all":
		var r transport.ClusterHealthResponse
		r, err = c.ClusterHealth(ctx, addr)
		if err == nil && r.Status != string(health.StatusHealthy) {
			code = http.StatusServiceUnavailable
		}
		out = r
	case "/swarm/worker", "/swarm/manager":
		out, err = c.Token(ctx, addr, path[len("/swarm/"):])
	case "/swarm/nodes":
		out, err = c.Nodes(ctx, addr)
	case "/managers":
		out, err = c.Managers(ctx, addr)
	case "/managers/reload":
		out, err = c.Reload(ctx, addr)
	default:
		code, out = http.StatusNotFound, transport.ErrorResponse{Error: "Not Found"}
	}
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() == codes.Unavailable || st.Code() == codes.DeadlineExceeded {
			return 0, nil, err
		}
		code, out = httpCode(st.Code()), transport.ErrorResponse{Error: st.Message()}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, nil, err
	}
	return code, b, nil
}

func httpCode(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

var _ transport.RPCClient = (*Client)(nil)
