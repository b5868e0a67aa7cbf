package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amirimatin/swarm-token-server/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRoot exposes only the client commands, for hosts that talk to a node
// without running one.
func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmtokenctl",
		Short:         "Query a swarm token server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(cli.NewHealthCmd())
	root.AddCommand(cli.NewTokenCmd())
	root.AddCommand(cli.NewNodesCmd())
	root.AddCommand(cli.NewManagersCmd())
	return root
}
