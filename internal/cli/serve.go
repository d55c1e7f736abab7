package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyon-labs/m365ctl/internal/mcpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an MCP server over stdio",
	Long: `Serve exposes mailbox and authentication operations as MCP tools
on standard input/output, for use by tool-calling agents. Logs go to
stderr so stdout stays clean for the protocol stream.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return mcpserver.New(version).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
