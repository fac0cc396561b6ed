package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localscope/prospector/internal/app"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl service",
		Long: `crawl assembles the full service from the configuration and runs it:
the worker partition claims targets and crawls candidate sites, the
verifier scores discovered listings and the HTTP API serves state. The
process drains gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer a.Close(cmd.Context())
			return a.Run(cmd.Context())
		},
	}
}
