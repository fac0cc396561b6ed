// Package export writes discovered listings and their verification
// verdicts to an xlsx workbook for handoff to outreach tooling.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
)

const (
	listingSheet      = "Listings"
	verificationSheet = "Verifications"

	// pageSize bounds one store read so huge exports stream instead of
	// loading everything at once.
	pageSize = 500
)

// Stats counts what landed in the workbook.
type Stats struct {
	Listings      int
	Verifications int
}

// Exporter builds xlsx workbooks from the listing store.
type Exporter struct {
	listings crawl.ListingStore
	logger   *zap.Logger
}

// New constructs an Exporter.
func New(listings crawl.ListingStore, logger *zap.Logger) (*Exporter, error) {
	if listings == nil {
		return nil, errors.New("export: listing store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{listings: listings, logger: logger}, nil
}

// WriteFile builds the workbook and saves it at path.
func (e *Exporter) WriteFile(ctx context.Context, path string) (Stats, error) {
	f, stats, err := e.build(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer e.close(f)

	if err := f.SaveAs(path); err != nil {
		return Stats{}, fmt.Errorf("save workbook %s: %w", path, err)
	}
	e.logger.Info("workbook written",
		zap.String("path", path),
		zap.Int("listings", stats.Listings),
		zap.Int("verifications", stats.Verifications))
	return stats, nil
}

// Write builds the workbook and streams it to w, for callers that ship
// the file somewhere other than local disk.
func (e *Exporter) Write(ctx context.Context, w io.Writer) (Stats, error) {
	f, stats, err := e.build(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer e.close(f)

	if err := f.Write(w); err != nil {
		return Stats{}, fmt.Errorf("write workbook: %w", err)
	}
	return stats, nil
}

func (e *Exporter) build(ctx context.Context) (*excelize.File, Stats, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", listingSheet); err != nil {
		e.close(f)
		return nil, Stats{}, fmt.Errorf("name listing sheet: %w", err)
	}
	if _, err := f.NewSheet(verificationSheet); err != nil {
		e.close(f)
		return nil, Stats{}, fmt.Errorf("add verification sheet: %w", err)
	}

	stats, err := e.fill(ctx, f)
	if err != nil {
		e.close(f)
		return nil, Stats{}, err
	}
	return f, stats, nil
}

func (e *Exporter) fill(ctx context.Context, f *excelize.File) (Stats, error) {
	if err := setRow(f, listingSheet, 1, []any{
		"ID", "Name", "Category", "Region", "Locality", "Phone", "Address",
		"Website", "Domain", "Source", "Discovery Confidence", "Rating",
		"Reviews", "First Seen",
	}); err != nil {
		return Stats{}, err
	}
	if err := setRow(f, verificationSheet, 1, []any{
		"Listing ID", "Name", "Domain", "Status", "Tier", "Combined",
		"Website Score", "Discovery Score", "External Score", "Needs Review",
		"Verified At",
	}); err != nil {
		return Stats{}, err
	}

	var stats Stats
	listingRow, verdictRow := 2, 2
	for offset := 0; ; offset += pageSize {
		page, err := e.listings.ListListings(ctx, pageSize, offset)
		if err != nil {
			return Stats{}, fmt.Errorf("list listings: %w", err)
		}
		for _, listing := range page {
			if err := setRow(f, listingSheet, listingRow, listingCells(listing)); err != nil {
				return Stats{}, err
			}
			listingRow++
			stats.Listings++

			result, err := e.listings.GetVerification(ctx, listing.ID)
			if errors.Is(err, crawl.ErrNotFound) {
				continue
			}
			if err != nil {
				return Stats{}, fmt.Errorf("verification for %s: %w", listing.ID, err)
			}
			if err := setRow(f, verificationSheet, verdictRow, verdictCells(listing, result)); err != nil {
				return Stats{}, err
			}
			verdictRow++
			stats.Verifications++
		}
		if len(page) < pageSize {
			return stats, nil
		}
	}
}

func (e *Exporter) close(f *excelize.File) {
	if err := f.Close(); err != nil {
		e.logger.Warn("workbook close failed", zap.Error(err))
	}
}

func setRow(f *excelize.File, sheet string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name for row %d: %w", row, err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func listingCells(l crawl.Listing) []any {
	return []any{
		l.ID.String(), l.Name, l.Category, l.Region, l.Locality, l.Phone,
		l.Address, l.Website, l.Domain, l.Source, l.DiscoveryConfidence,
		l.Rating, l.ReviewCount, l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func verdictCells(l crawl.Listing, r crawl.VerificationResult) []any {
	return []any{
		r.ListingID.String(), l.Name, l.Domain, string(r.Status),
		string(r.Tier), r.Combined, r.Scores.Website, r.Scores.Discovery,
		r.Scores.External, r.NeedsReview,
		r.VerifiedAt.UTC().Format(time.RFC3339),
	}
}
