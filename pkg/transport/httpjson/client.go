package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

// ProbeTimeout bounds one peer health probe.
const ProbeTimeout = 5 * time.Second

const maxBody = 1 << 20

// Client is a thin HTTP client for the API of peer instances. It performs a
// single attempt per call; there is no retry.
type Client struct {
	httpc  *http.Client
	scheme string
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = ProbeTimeout
	}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: &http.Transport{}}, scheme: "http"}
}

// UseTLS sets the TLS config of the underlying transport and switches bare
// peer addresses to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if cfg == nil {
		return c
	}
	c.httpc.Transport = &http.Transport{TLSClientConfig: cfg}
	c.scheme = "https"
	return c
}

func (c *Client) baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return c.scheme + "://" + addr
}

// ProbeHealth issues GET http://<addr>/health and classifies the outcome:
// 200 with a swarm field is healthy, any other status is unhealthy,
// connection-level failures are unreachable and everything else is error.
func (c *Client) ProbeHealth(ctx context.Context, addr string) health.Result {
	ctx, end := tracing.StartSpan(ctx, "peer.probe", "peer", addr)
	defer end()
	start := time.Now()
	res := c.probe(ctx, addr)
	obsmetrics.PeerProbeDuration.Observe(time.Since(start).Seconds())
	obsmetrics.PeerProbes.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (c *Client) probe(ctx context.Context, addr string) health.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(addr)+"/health", nil)
	if err != nil {
		return health.Failed(addr, health.StatusError, err.Error(), time.Now())
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		status := health.StatusError
		if isConnError(err) {
			status = health.StatusUnreachable
		}
		return health.Failed(addr, status, err.Error(), time.Now())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		status := health.StatusError
		if isConnError(err) {
			status = health.StatusUnreachable
		}
		return health.Failed(addr, status, err.Error(), time.Now())
	}
	var payload struct {
		Swarm *string `json:"swarm"`
	}
	decodeErr := json.Unmarshal(body, &payload)

	if resp.StatusCode != http.StatusOK {
		r := health.Failed(addr, health.StatusUnhealthy, fmt.Sprintf("HTTP %d", resp.StatusCode), time.Now())
		if decodeErr == nil && payload.Swarm != nil {
			r.Swarm = *payload.Swarm
		}
		return r
	}
	if decodeErr != nil {
		return health.Failed(addr, health.StatusError, "invalid health response: "+decodeErr.Error(), time.Now())
	}
	if payload.Swarm == nil {
		return health.Failed(addr, health.StatusError, "health response missing swarm field", time.Now())
	}
	return health.Result{Source: addr, Status: health.StatusHealthy, Swarm: *payload.Swarm, Timestamp: time.Now()}
}

// isConnError reports connection-level failures: DNS, refused, reset and
// timeouts.
func isConnError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var ne net.Error
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.As(err, &ne) && ne.Timeout():
		return true
	}
	return false
}

// GetJSON fetches path from addr and returns the status code and raw body.
// Non-2xx responses are not treated as errors: the API encodes failures as
// JSON bodies.
func (c *Client) GetJSON(ctx context.Context, addr, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(addr)+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

var _ transport.RPCClient = (*Client)(nil)
