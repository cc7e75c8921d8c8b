// Package cli implements the promised command line: running the queue
// server, applying migrations and acting as a local producer.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/phrazzld/promised/internal/app"
	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/platform/logger"
	"github.com/spf13/cobra"
)

// globals carries state shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:     "promised",
		Short:   "Durable asynchronous promise queue",
		Version: app.Version,
		Long: `promised defers work submitted by producers, executes it on a bounded
worker pool in priority order and reports each outcome exactly once per
terminal state.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a config file (default ./config.yaml if present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(ServeCmd(g))
	root.AddCommand(MCPCmd(g))
	root.AddCommand(MigrateCmd(g))
	root.AddCommand(EnqueueCmd(g))
	root.AddCommand(StatusCmd(g))
	root.AddCommand(CancelCmd(g))
	root.AddCommand(ListCmd(g))
	root.AddCommand(TokenCmd(g))
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (g *globals) load() error {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if g.logLevel != "" {
		cfg.Server.LogLevel = g.logLevel
	}

	// Logs go to stderr so stdout stays free for command output and MCP frames.
	l, err := logger.SetupWithWriter(cfg.Server, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	g.cfg = cfg
	g.logger = l
	return nil
}

// open builds an App for commands that act on the store.
func (g *globals) open(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, g.cfg, g.logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}
