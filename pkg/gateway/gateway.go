// Package gateway wraps invocations of the orchestration CLI (docker) used to
// read local swarm state, issue join tokens and list swarm nodes.
//
// Every call spawns exactly one process bounded by a hard timeout. Failures
// are surfaced immediately; there are no retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
)

const (
	// HealthTimeout bounds the local swarm state query.
	HealthTimeout = 5 * time.Second
	// CommandTimeout bounds join token and node listing queries.
	CommandTimeout = 10 * time.Second
)

// Join token roles.
const (
	RoleWorker  = "worker"
	RoleManager = "manager"
)

// Runner executes a process and returns its captured output streams.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not hold Run past the deadline
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Options configures a Gateway.
type Options struct {
	// Binary is the orchestration CLI to execute; defaults to "docker".
	Binary string
	// Runner overrides process execution (tests).
	Runner Runner
	Logger zerolog.Logger
}

// Gateway issues orchestration CLI commands.
type Gateway struct {
	bin    string
	runner Runner
	logger zerolog.Logger
}

// New returns a Gateway with defaults applied.
func New(opts Options) *Gateway {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return &Gateway{bin: opts.Binary, runner: opts.Runner, logger: opts.Logger}
}

// Invoke runs the CLI with args, bounded by timeout, and returns stdout.
// A non-zero exit or spawn failure yields *Error; expiry of the timeout
// yields ErrTimeout.
func (g *Gateway) Invoke(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	op := "unknown"
	if len(args) > 0 {
		op = args[0]
	}
	return g.invoke(ctx, op, timeout, args...)
}

func (g *Gateway) invoke(ctx context.Context, op string, timeout time.Duration, args ...string) (string, error) {
	ctx, end := tracing.StartSpan(ctx, "gateway."+op)
	defer end()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := g.runner.Run(ctx, g.bin, args...)
	elapsed := time.Since(start)
	if err == nil {
		obsmetrics.GatewayInvocations.WithLabelValues(op, "ok").Inc()
		g.logger.Debug().Str("command", op).Dur("elapsed", elapsed).Msg("gateway command ok")
		return string(stdout), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		obsmetrics.GatewayInvocations.WithLabelValues(op, "timeout").Inc()
		g.logger.Warn().Str("command", op).Dur("timeout", timeout).Msg("gateway command timed out")
		return "", ErrTimeout
	}
	gerr := &Error{Args: append([]string{g.bin}, args...), ExitCode: -1, Stderr: string(stderr), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		gerr.ExitCode = exitErr.ExitCode()
		gerr.Err = nil
	}
	obsmetrics.GatewayInvocations.WithLabelValues(op, "error").Inc()
	g.logger.Error().Str("command", op).Int("exit_code", gerr.ExitCode).Str("stderr", strings.TrimSpace(gerr.Stderr)).Msg("gateway command failed")
	return "", gerr
}

// LocalSwarmState returns the local node's swarm state ("active" when the
// node participates in a swarm).
func (g *Gateway) LocalSwarmState(ctx context.Context) (string, error) {
	out, err := g.invoke(ctx, "info", HealthTimeout, "info", "--format", "{{.Swarm.LocalNodeState}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// JoinToken returns the join token for role (worker or manager).
func (g *Gateway) JoinToken(ctx context.Context, role string) (string, error) {
	if role != RoleWorker && role != RoleManager {
		return "", ErrInvalidRole
	}
	out, err := g.invoke(ctx, "join-token", CommandTimeout, "swarm", "join-token", role, "-q")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Node is one entry of the swarm node listing.
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

// ListNodes returns the swarm nodes known to the local manager.
func (g *Gateway) ListNodes(ctx context.Context) ([]Node, error) {
	out, err := g.invoke(ctx, "node-ls", CommandTimeout, "node", "ls", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return g.parseNodes(out), nil
}

// parseNodes decodes one JSON object per line; malformed lines are skipped.
func (g *Gateway) parseNodes(out string) []Node {
	nodes := make([]Node, 0)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var n Node
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			g.logger.Debug().Err(err).Msg("skipping malformed node line")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}
