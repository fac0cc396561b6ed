// Package cmd implements the prospector command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/localscope/prospector/internal/config"
	"github.com/localscope/prospector/internal/store/postgres"
	pkgconfig "github.com/localscope/prospector/pkg/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prospector",
		Short: "Discovers and verifies local service businesses",
		Long: `prospector crawls business directories for local service listings,
verifies each candidate against its own website and review signals, and
keeps every intermediate state resumable. The crawl command runs the full
service; seed, verify and export work against the configured stores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/prospector, $HOME/.prospector)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

// loadConfig folds a .env file into the environment, resolves the config
// file and parses it into the typed Config.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	return config.Load(pkgconfig.InitConfig(cfgFile))
}

// connectDB opens the durable stores the offline commands work against.
// The in-memory backends are process-local, so those commands require a
// database.
func connectDB(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DB.DSN == "" {
		return nil, errors.New("this command requires db.dsn; in-memory stores do not outlive the process")
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
		MinConns: int32(cfg.DB.MaxIdleConns),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "prospector:", err)
		os.Exit(1)
	}
}
