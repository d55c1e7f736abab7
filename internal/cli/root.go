// Package cli implements the m365ctl command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/halcyon-labs/m365ctl/internal/logger"
)

var (
	// version is set by goreleaser ldflags.
	version = "dev"

	// verbose enables debug logging.
	verbose bool

	// profileFlag selects the profile for a single invocation.
	profileFlag string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "m365ctl",
	Short: "Microsoft 365 mailbox access from the command line",
	Long: `m365ctl connects to Microsoft 365 mailboxes through Microsoft Graph.

Authentication uses the OAuth2 device-code flow with certificate-based
client assertions; app registrations are read from the system keychain
and tokens are stored encrypted, bound to this machine.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string for the CLI.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&profileFlag, "profile", "p", "",
		"profile to use (defaults to the active profile)")

	// Set verbose mode before any command executes.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		logger.SetVerbose(verbose)
		return nil
	}
}
