package cli

import (
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command.
func ServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, notifier and HTTP API",
		Long: `Run the queue runtime until interrupted. On start, promises orphaned by a
previous crash are recovered before any new work is claimed. On SIGINT or
SIGTERM the server stops claiming, cancels in-flight executions and persists
their outcomes before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.Serve(cmd.Context())
		},
	}
}

// MCPCmd returns the mcp command.
func MCPCmd(g *globals) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the promise tools over MCP stdio",
		Long: `Expose enqueue_promise, get_promise_status, cancel_promise and list_promises
to an MCP client over stdin/stdout. By default the worker pool runs in the
same process; use --no-workers when a separate "promised serve" owns the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.ServeMCP(cmd.Context(), !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run the worker pool in this process")
	return cmd
}
