// Command prreview is the operator CLI for prreviewd: repository
// registration, agent inspection, service hook lifecycle, and local config
// inspection, each a single request/response against the daemon's admin
// HTTP surface (config excepted — it edits the shared config.toml directly).
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prreview",
		Short: "Admin CLI for the prreviewd PR review daemon",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "daemon server address (default: read from runtime file)")

	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(hooksCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
