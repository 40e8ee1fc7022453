package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dealdesk/leadscraper/internal/config"
	"github.com/dealdesk/leadscraper/internal/server"
)

func newServeCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP session service",
		Long: `Starts the session API. Configuration comes from the optional file given
with --config, a local .env file, and LEADSCRAPER_* environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg, version)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	return cmd
}
