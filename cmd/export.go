package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localscope/prospector/internal/export"
	"github.com/localscope/prospector/internal/logging"
	"github.com/localscope/prospector/internal/store/postgres"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export listings to an xlsx workbook",
		Long: `export writes every stored listing, with its verification verdict where
one exists, into an xlsx workbook. The output path defaults to the
export.output_path configuration value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Export.OutputPath
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			pool, err := connectDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			listings, err := postgres.NewListingStore(pool, nil)
			if err != nil {
				return fmt.Errorf("build listing store: %w", err)
			}
			exporter, err := export.New(listings, logger.Named("export"))
			if err != nil {
				return err
			}
			stats, err := exporter.WriteFile(cmd.Context(), out)
			if err != nil {
				return err
			}
			cmd.Printf("wrote %s: %d listings, %d verified\n", out, stats.Listings, stats.Verifications)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (defaults to export.output_path)")
	return cmd
}
