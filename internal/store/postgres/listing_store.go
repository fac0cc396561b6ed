package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/localscope/prospector/internal/crawl"
)

// ListingStore implements crawl.ListingStore on Postgres.
//
// It assumes table schemas like:
//
//	CREATE TABLE listings (
//	    id UUID PRIMARY KEY,
//	    target_id UUID NOT NULL,
//	    name TEXT NOT NULL,
//	    website TEXT NOT NULL DEFAULT '',
//	    domain TEXT NOT NULL DEFAULT '',
//	    phone TEXT NOT NULL DEFAULT '',
//	    address TEXT NOT NULL DEFAULT '',
//	    region TEXT NOT NULL,
//	    locality TEXT NOT NULL,
//	    category TEXT NOT NULL,
//	    tags JSONB NOT NULL DEFAULT '[]',
//	    snippets JSONB NOT NULL DEFAULT '[]',
//	    source TEXT NOT NULL,
//	    discovery_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    rating DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    review_count INT NOT NULL DEFAULT 0,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE verifications (
//	    listing_id UUID PRIMARY KEY REFERENCES listings (id),
//	    combined DOUBLE PRECISION NOT NULL,
//	    website_score DOUBLE PRECISION NOT NULL,
//	    discovery_score DOUBLE PRECISION NOT NULL,
//	    external_score DOUBLE PRECISION NOT NULL,
//	    status TEXT NOT NULL,
//	    needs_review BOOLEAN NOT NULL,
//	    tier TEXT NOT NULL,
//	    signals JSONB NOT NULL DEFAULT '{}',
//	    verified_at TIMESTAMPTZ NOT NULL
//	);
type ListingStore struct {
	pool  pool
	clock crawl.Clock
}

// NewListingStore constructs a ListingStore over an existing pool.
func NewListingStore(p pool, clk crawl.Clock) (*ListingStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ListingStore{pool: p, clock: orSystemClock(clk)}, nil
}

// Close releases the underlying pool.
func (s *ListingStore) Close() {
	s.pool.Close()
}

const listingColumns = `id, target_id, name, website, domain, phone, address,
	region, locality, category, tags, snippets, source,
	discovery_confidence, rating, review_count, created_at, updated_at`

// UpsertListing inserts or refreshes a listing. The original created_at
// survives re-discovery; everything else takes the new values.
func (s *ListingStore) UpsertListing(ctx context.Context, listing crawl.Listing) error {
	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			website = EXCLUDED.website,
			domain = EXCLUDED.domain,
			phone = EXCLUDED.phone,
			address = EXCLUDED.address,
			tags = EXCLUDED.tags,
			snippets = EXCLUDED.snippets,
			source = EXCLUDED.source,
			discovery_confidence = EXCLUDED.discovery_confidence,
			rating = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			updated_at = EXCLUDED.updated_at;
	`
	tags, err := json.Marshal(listing.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	snippets, err := json.Marshal(listing.Snippets)
	if err != nil {
		return fmt.Errorf("marshal snippets: %w", err)
	}
	now := s.clock.Now()
	createdAt := listing.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := s.pool.Exec(ctx, query,
		listing.ID, listing.TargetID, listing.Name, listing.Website, listing.Domain,
		listing.Phone, listing.Address, listing.Region, listing.Locality, listing.Category,
		tags, snippets, listing.Source,
		listing.DiscoveryConfidence, listing.Rating, listing.ReviewCount, createdAt,
	); err != nil {
		return fmt.Errorf("upsert listing %s: %w", listing.ID, err)
	}
	return nil
}

// GetListing fetches one listing by ID.
func (s *ListingStore) GetListing(ctx context.Context, id uuid.UUID) (crawl.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1;`
	listing, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Listing{}, crawl.ErrNotFound
		}
		return crawl.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return listing, nil
}

// ListListings returns listings oldest first.
func (s *ListingStore) ListListings(ctx context.Context, limit, offset int) ([]crawl.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var listings []crawl.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		listings = append(listings, listing)
	}
	return listings, rows.Err()
}

const verificationColumns = `listing_id, combined, website_score, discovery_score, external_score,
	status, needs_review, tier, signals, verified_at`

// SaveVerification upserts the verification for a listing; only the latest
// result is kept. The foreign key rejects verdicts for unknown listings.
func (s *ListingStore) SaveVerification(ctx context.Context, result crawl.VerificationResult) error {
	query := `
		INSERT INTO verifications (` + verificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (listing_id) DO UPDATE SET
			combined = EXCLUDED.combined,
			website_score = EXCLUDED.website_score,
			discovery_score = EXCLUDED.discovery_score,
			external_score = EXCLUDED.external_score,
			status = EXCLUDED.status,
			needs_review = EXCLUDED.needs_review,
			tier = EXCLUDED.tier,
			signals = EXCLUDED.signals,
			verified_at = EXCLUDED.verified_at;
	`
	signals, err := json.Marshal(result.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query,
		result.ListingID, result.Combined,
		result.Scores.Website, result.Scores.Discovery, result.Scores.External,
		result.Status, result.NeedsReview, result.Tier, signals, result.VerifiedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return crawl.ErrNotFound
		}
		return fmt.Errorf("save verification for %s: %w", result.ListingID, err)
	}
	return nil
}

// GetVerification fetches the latest verification for a listing.
func (s *ListingStore) GetVerification(ctx context.Context, listingID uuid.UUID) (crawl.VerificationResult, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE listing_id = $1;`
	result, err := scanVerification(s.pool.QueryRow(ctx, query, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.VerificationResult{}, crawl.ErrNotFound
		}
		return crawl.VerificationResult{}, fmt.Errorf("get verification: %w", err)
	}
	return result, nil
}

// ListNeedsReview returns flagged verifications in the order a review queue
// drains them, oldest verdict first.
func (s *ListingStore) ListNeedsReview(ctx context.Context, limit, offset int) ([]crawl.VerificationResult, error) {
	query := `
		SELECT ` + verificationColumns + `
		FROM verifications
		WHERE needs_review
		ORDER BY verified_at, listing_id
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list verifications needing review: %w", err)
	}
	defer rows.Close()

	var results []crawl.VerificationResult
	for rows.Next() {
		result, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification row: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanListing(row pgx.Row) (crawl.Listing, error) {
	var (
		listing  crawl.Listing
		tags     []byte
		snippets []byte
	)
	err := row.Scan(
		&listing.ID,
		&listing.TargetID,
		&listing.Name,
		&listing.Website,
		&listing.Domain,
		&listing.Phone,
		&listing.Address,
		&listing.Region,
		&listing.Locality,
		&listing.Category,
		&tags,
		&snippets,
		&listing.Source,
		&listing.DiscoveryConfidence,
		&listing.Rating,
		&listing.ReviewCount,
		&listing.CreatedAt,
		&listing.UpdatedAt,
	)
	if err != nil {
		return crawl.Listing{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &listing.Tags); err != nil {
			return crawl.Listing{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(snippets) > 0 {
		if err := json.Unmarshal(snippets, &listing.Snippets); err != nil {
			return crawl.Listing{}, fmt.Errorf("unmarshal snippets: %w", err)
		}
	}
	return listing, nil
}

func scanVerification(row pgx.Row) (crawl.VerificationResult, error) {
	var (
		result  crawl.VerificationResult
		signals []byte
	)
	err := row.Scan(
		&result.ListingID,
		&result.Combined,
		&result.Scores.Website,
		&result.Scores.Discovery,
		&result.Scores.External,
		&result.Status,
		&result.NeedsReview,
		&result.Tier,
		&signals,
		&result.VerifiedAt,
	)
	if err != nil {
		return crawl.VerificationResult{}, err
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &result.Signals); err != nil {
			return crawl.VerificationResult{}, fmt.Errorf("unmarshal signals: %w", err)
		}
	}
	return result, nil
}
