// Package cli provides the cobra commands of the swarm token server: run
// starts a node, the others query a running node over its HTTP API.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/swarm-token-server/internal/logutil"
	"github.com/amirimatin/swarm-token-server/pkg/bootstrap"
	"github.com/amirimatin/swarm-token-server/pkg/config"
	"github.com/amirimatin/swarm-token-server/pkg/gateway"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
	tlsx "github.com/amirimatin/swarm-token-server/pkg/security/tlsconfig"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
	mgmtgrpc "github.com/amirimatin/swarm-token-server/pkg/transport/grpc"
	httpjson "github.com/amirimatin/swarm-token-server/pkg/transport/httpjson"
)

// NewRootCommand returns the swarmtokend root command with all subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmtokend",
		Short:         "Serve docker swarm join tokens and manager health",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddAll(root)
	return root
}

// AddAll attaches run/health/token/nodes/managers to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewHealthCmd())
	root.AddCommand(NewTokenCmd())
	root.AddCommand(NewNodesCmd())
	root.AddCommand(NewManagersCmd())
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a swarm token server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			logger, err := logutil.New(cmd.ErrOrStderr(), settings.LogFormat, settings.LogLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if settings.Trace {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					logger.Warn().Err(err).Msg("tracing setup failed")
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cl, err := bootstrap.Run(ctx, bootstrap.Config{Settings: settings, Logger: &logger})
			if err != nil {
				return err
			}
			defer cl.Close()

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, json or toml)")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

type clientFlags struct {
	proto      string
	addr       string
	timeout    time.Duration
	tlsCA      string
	tlsSkip    bool
	serverName string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.proto, "proto", config.ProtoHTTP, "API protocol: http|grpc")
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:3535", "address of a node (host:port, or URL for http)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "CA cert to verify the node (PEM); enables https")
	cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name")
}

// get fetches path from the node and copies the JSON body to out. A non-2xx
// answer is printed and reported as an error.
func (f *clientFlags) get(cmd *cobra.Command, path string) error {
	cliTLS, err := tlsx.Options{CAFile: f.tlsCA, InsecureSkipVerify: f.tlsSkip, ServerName: f.serverName}.Client()
	if err != nil {
		return fmt.Errorf("tls client config: %w", err)
	}
	var client transport.RPCClient
	switch f.proto {
	case config.ProtoGRPC:
		c := mgmtgrpc.NewClient(f.timeout).UseTLS(cliTLS)
		defer c.Close()
		client = c
	case config.ProtoHTTP:
		client = httpjson.NewClient(f.timeout).UseTLS(cliTLS)
	default:
		return fmt.Errorf("invalid --proto %q: want http or grpc", f.proto)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	code, body, err := client.GetJSON(ctx, f.addr, path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	out := cmd.OutOrStdout()
	writeBody(out, body)
	if code < 200 || code > 299 {
		return fmt.Errorf("%s: HTTP %d %s", path, code, http.StatusText(code))
	}
	return nil
}

func writeBody(w io.Writer, body []byte) {
	_, _ = w.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

// NewHealthCmd returns the "health" command.
func NewHealthCmd() *cobra.Command {
	var (
		f   clientFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Fetch local or cluster-wide health as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/health"
			if all {
				path = "/health/all"
			}
			return f.get(cmd, path)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "aggregate health over all managers")
	return cmd
}

// NewTokenCmd returns the "token" command.
func NewTokenCmd() *cobra.Command {
	var (
		f    clientFlags
		role string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a swarm join token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != gateway.RoleWorker && role != gateway.RoleManager {
				return fmt.Errorf("invalid --role %q: want worker or manager", role)
			}
			return f.get(cmd, "/swarm/"+role)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&role, "role", gateway.RoleWorker, "token role: worker|manager")
	return cmd
}

// NewNodesCmd returns the "nodes" command.
func NewNodesCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List swarm nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.get(cmd, "/swarm/nodes")
		},
	}
	f.register(cmd)
	return cmd
}

// NewManagersCmd returns the "managers" command.
func NewManagersCmd() *cobra.Command {
	var (
		f      clientFlags
		reload bool
	)
	cmd := &cobra.Command{
		Use:   "managers",
		Short: "Show or reload the configured manager peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/managers"
			if reload {
				path = "/managers/reload"
			}
			return f.get(cmd, path)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&reload, "reload", false, "reload the peer list and clear the health cache")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
