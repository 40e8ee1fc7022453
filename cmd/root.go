// Package cmd defines the CLI commands for the leadscraper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

// newRootCmd creates the root command and attaches subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leadscraper",
		Short: "Collects business listings and carrier data per town and industry.",
		Long: `leadscraper runs scraping sessions over a list of towns and industries.
Each step processes one town: it scrapes every industry, resolves the
carrier of each phone number, and commits the batch with progress.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDriveCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "leadscraper: %v\n", err)
		os.Exit(1)
	}
}
