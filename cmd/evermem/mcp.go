package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/api/mcp"
	"github.com/syn-zhu/EverMemOS/internal/engine"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the memory tools over MCP on stdio",
		Long: "Speak the Model Context Protocol on stdin/stdout so an AI assistant can memorize,\n" +
			"fetch, search, delete and flush. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loc, err := c.cfg.Location()
			if err != nil {
				return err
			}
			return c.withEngine(ctx, func(ctx context.Context, eng *engine.MemoryEngine) error {
				srv := mcp.NewServer(eng,
					mcp.WithLocation(loc),
					mcp.WithLogger(c.logger),
					mcp.WithVersion(version),
				)
				err := mcp.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout(), c.logger).Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
