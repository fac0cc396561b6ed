package export

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
	storememory "github.com/localscope/prospector/internal/store/memory"
)

func TestWriteFileExportsListingsAndVerdicts(t *testing.T) {
	t.Parallel()

	clk := &stubClock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	listings := storememory.NewListingStore(clk)
	ctx := context.Background()

	verified := crawl.Listing{
		ID:                  uuid.New(),
		Name:                "Acme Plumbing",
		Domain:              "acmeplumbing.example",
		Website:             "https://acmeplumbing.example",
		Phone:               "(503) 555-0142",
		Address:             "200 SE Pine St, Portland, OR",
		Region:              "or",
		Locality:            "portland",
		Category:            "plumbers",
		Source:              "directory",
		DiscoveryConfidence: 0.8,
		Rating:              4.8,
		ReviewCount:         25,
		CreatedAt:           clk.Now(),
	}
	unverified := crawl.Listing{
		ID:        uuid.New(),
		Name:      "Phone Only Rooter",
		Region:    "or",
		Locality:  "portland",
		Category:  "plumbers",
		Source:    "directory",
		CreatedAt: clk.Now().Add(time.Minute),
	}
	require.NoError(t, listings.UpsertListing(ctx, verified))
	require.NoError(t, listings.UpsertListing(ctx, unverified))
	require.NoError(t, listings.SaveVerification(ctx, crawl.VerificationResult{
		ListingID:  verified.ID,
		Combined:   0.9552,
		Scores:     crawl.ScoreBreakdown{Website: 0.94, Discovery: 0.8, External: 0.976},
		Status:     crawl.VerificationPassed,
		Tier:       crawl.TierA,
		VerifiedAt: time.Date(2025, 4, 1, 10, 5, 0, 0, time.UTC),
	}))

	e, err := New(listings, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "prospector.xlsx")
	stats, err := e.WriteFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, Stats{Listings: 2, Verifications: 1}, stats)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(listingSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "Name", rows[0][1])
	// Listings come out in creation order.
	require.Equal(t, verified.ID.String(), rows[1][0])
	require.Equal(t, "Acme Plumbing", rows[1][1])
	require.Equal(t, "acmeplumbing.example", rows[1][8])
	require.Equal(t, "2025-04-01T10:00:00Z", rows[1][13])
	require.Equal(t, "Phone Only Rooter", rows[2][1])

	verdicts, err := f.GetRows(verificationSheet)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	require.Equal(t, verified.ID.String(), verdicts[1][0])
	require.Equal(t, "Acme Plumbing", verdicts[1][1])
	require.Equal(t, string(crawl.VerificationPassed), verdicts[1][3])
	require.Equal(t, string(crawl.TierA), verdicts[1][4])
	require.Equal(t, "2025-04-01T10:05:00Z", verdicts[1][10])
}

func TestWriteFileEmptyStoreWritesHeadersOnly(t *testing.T) {
	t.Parallel()

	clk := &stubClock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	e, err := New(storememory.NewListingStore(clk), zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "empty.xlsx")
	stats, err := e.WriteFile(context.Background(), path)
	require.NoError(t, err)
	require.Zero(t, stats.Listings)
	require.Zero(t, stats.Verifications)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(listingSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	verdicts, err := f.GetRows(verificationSheet)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
}

func TestNewRequiresListingStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, zap.NewNop())
	require.ErrorContains(t, err, "listing store")
}

// --- fakes ---

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
