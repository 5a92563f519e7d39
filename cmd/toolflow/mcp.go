package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/pkg/mcp"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the toolflow MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			a, err := newApp(ctx, c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			srv := mcp.NewToolflowServer(mcp.ToolflowServerDeps{
				Store:      a.store,
				Validator:  a.validator,
				Dispatcher: a.dispatcher,
				Logger:     a.logger,
			})
			return srv.Serve(ctx)
		},
	}
}
