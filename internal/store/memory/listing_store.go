package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/localscope/prospector/internal/crawl"
)

// ListingStore is an in-memory crawl.ListingStore.
type ListingStore struct {
	mu            sync.RWMutex
	clock         crawl.Clock
	listings      map[uuid.UUID]crawl.Listing
	verifications map[uuid.UUID]crawl.VerificationResult
}

// NewListingStore constructs a ListingStore.
func NewListingStore(clk crawl.Clock) *ListingStore {
	return &ListingStore{
		clock:         orSystemClock(clk),
		listings:      make(map[uuid.UUID]crawl.Listing),
		verifications: make(map[uuid.UUID]crawl.VerificationResult),
	}
}

// UpsertListing inserts or replaces the listing keyed by ID.
func (s *ListingStore) UpsertListing(_ context.Context, listing crawl.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.listings[listing.ID]; ok {
		listing.CreatedAt = existing.CreatedAt
	} else if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now
	s.listings[listing.ID] = cloneListing(listing)
	return nil
}

// GetListing fetches one listing by ID.
func (s *ListingStore) GetListing(_ context.Context, id uuid.UUID) (crawl.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listing, ok := s.listings[id]
	if !ok {
		return crawl.Listing{}, crawl.ErrNotFound
	}
	return cloneListing(listing), nil
}

// ListListings returns listings ordered by creation time.
func (s *ListingStore) ListListings(_ context.Context, limit, offset int) ([]crawl.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.Listing, 0, len(s.listings))
	for _, listing := range s.listings {
		out = append(out, cloneListing(listing))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return window(out, limit, offset), nil
}

// SaveVerification stores the latest result for its listing, replacing any
// earlier one.
func (s *ListingStore) SaveVerification(_ context.Context, result crawl.VerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[result.ListingID]; !ok {
		return crawl.ErrNotFound
	}
	s.verifications[result.ListingID] = cloneVerification(result)
	return nil
}

// GetVerification fetches the latest result for a listing.
func (s *ListingStore) GetVerification(_ context.Context, listingID uuid.UUID) (crawl.VerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.verifications[listingID]
	if !ok {
		return crawl.VerificationResult{}, crawl.ErrNotFound
	}
	return cloneVerification(result), nil
}

// ListNeedsReview returns flagged results oldest first, the order a review
// queue drains them.
func (s *ListingStore) ListNeedsReview(_ context.Context, limit, offset int) ([]crawl.VerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.VerificationResult, 0, len(s.verifications))
	for _, result := range s.verifications {
		if result.NeedsReview {
			out = append(out, cloneVerification(result))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VerifiedAt.Equal(out[j].VerifiedAt) {
			return out[i].VerifiedAt.Before(out[j].VerifiedAt)
		}
		return out[i].ListingID.String() < out[j].ListingID.String()
	})
	return window(out, limit, offset), nil
}

func cloneListing(l crawl.Listing) crawl.Listing {
	out := l
	out.Tags = append([]string(nil), l.Tags...)
	out.Snippets = append([]string(nil), l.Snippets...)
	return out
}

func cloneVerification(r crawl.VerificationResult) crawl.VerificationResult {
	out := r
	if r.Signals != nil {
		out.Signals = make(map[string]float64, len(r.Signals))
		for k, v := range r.Signals {
			out.Signals[k] = v
		}
	}
	return out
}
