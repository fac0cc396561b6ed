package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/store/postgres"
	"github.com/localscope/prospector/internal/verify"
)

// rescorePageSize bounds how many listings one page of the rescore loop
// holds in memory.
const rescorePageSize = 200

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Rescore stored verification results",
		Long: `verify walks every listing in the store and recomputes its verification
verdict under the currently configured weights and thresholds. Component
scores and quality tiers keep their stored values; only the combined
score, the verdict and the review flag change. Run it after tuning the
verify section of the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := connectDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			listings, err := postgres.NewListingStore(pool, nil)
			if err != nil {
				return fmt.Errorf("build listing store: %w", err)
			}
			engine := verify.New(verify.Config{
				WebsiteWeight:   cfg.Verify.WebsiteWeight,
				DiscoveryWeight: cfg.Verify.DiscoveryWeight,
				ExternalWeight:  cfg.Verify.ExternalWeight,
				PassThreshold:   cfg.Verify.PassThreshold,
				FailThreshold:   cfg.Verify.FailThreshold,
			}, nil)

			rescored, changed, err := rescoreAll(cmd, listings, engine)
			if err != nil {
				return err
			}
			cmd.Printf("rescored %d verifications, %d verdicts changed\n", rescored, changed)
			return nil
		},
	}
}

func rescoreAll(cmd *cobra.Command, listings crawl.ListingStore, engine *verify.Engine) (rescored, changed int, err error) {
	ctx := cmd.Context()
	for offset := 0; ; offset += rescorePageSize {
		page, err := listings.ListListings(ctx, rescorePageSize, offset)
		if err != nil {
			return rescored, changed, fmt.Errorf("list listings: %w", err)
		}
		if len(page) == 0 {
			return rescored, changed, nil
		}
		for _, listing := range page {
			stored, err := listings.GetVerification(ctx, listing.ID)
			if errors.Is(err, crawl.ErrNotFound) {
				continue
			}
			if err != nil {
				return rescored, changed, fmt.Errorf("load verification for %s: %w", listing.ID, err)
			}
			next := engine.Rescore(stored)
			if err := listings.SaveVerification(ctx, next); err != nil {
				return rescored, changed, fmt.Errorf("save verification for %s: %w", listing.ID, err)
			}
			rescored++
			if next.Status != stored.Status || next.NeedsReview != stored.NeedsReview {
				changed++
			}
		}
	}
}
