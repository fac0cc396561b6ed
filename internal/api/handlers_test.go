package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/crawl"
)

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_EnqueueTargets_Succeeds(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	server := r.server(t, Config{})

	body := []byte(`{"targets":[
		{"region":"or","locality":"portland","category":"plumbers","priority":5},
		{"region":"or","locality":"salem","category":"plumbers"}
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/targets", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[struct {
		Accepted  int      `json:"accepted"`
		TargetIDs []string `json:"target_ids"`
	}](t, rec)
	require.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.TargetIDs, 2)

	pending := crawl.TargetPending
	stored, err := r.targets.List(context.Background(), &pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	// Priority survives into the queue so operators can jump the line.
	var priorities []int
	for _, target := range stored {
		priorities = append(priorities, target.Priority)
	}
	require.ElementsMatch(t, []int{5, 0}, priorities)
}

func TestServer_EnqueueTargets_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/targets", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_EnqueueTargets_MissingFields(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	body := []byte(`{"targets":[{"region":"or"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/targets", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Locality")
}

func TestServer_EnqueueTargets_EmptyBatch(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/targets", bytes.NewBufferString(`{"targets":[]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListTargets_StatusFilter(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	ctx := context.Background()
	require.NoError(t, r.targets.Enqueue(ctx,
		crawl.CrawlTarget{ID: uuid.New(), Region: "or", Locality: "portland", Category: "plumbers"},
		crawl.CrawlTarget{ID: uuid.New(), Region: "or", Locality: "salem", Category: "plumbers"},
	))
	_, err := r.targets.Claim(ctx, "w-1")
	require.NoError(t, err)

	server := r.server(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/targets?status=pending", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Targets []targetDTO `json:"targets"`
	}](t, rec)
	require.Len(t, resp.Targets, 1)
	require.Equal(t, "pending", resp.Targets[0].Status)

	// Unknown status values are rejected, not silently ignored.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid status")
}

func TestServer_ListTargets_InvalidPagination(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid limit")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets?offset=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid offset")
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	ctx := context.Background()
	first := crawl.RunSummary{RunID: uuid.New(), WorkerID: "w-1", StartedAt: r.clock.Now()}
	second := crawl.RunSummary{RunID: uuid.New(), WorkerID: "w-2", StartedAt: r.clock.Now().Add(time.Minute)}
	require.NoError(t, r.runs.StartRun(ctx, first))
	require.NoError(t, r.runs.StartRun(ctx, second))

	server := r.server(t, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Runs []runDTO `json:"runs"`
	}](t, rec)
	require.Len(t, resp.Runs, 2)
	// Newest run first.
	require.Equal(t, "w-2", resp.Runs[0].WorkerID)
	require.Equal(t, "w-1", resp.Runs[1].WorkerID)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	ctx := context.Background()
	run := crawl.RunSummary{
		RunID:        uuid.New(),
		WorkerID:     "w-1",
		StartedAt:    r.clock.Now(),
		TargetsDone:  3,
		PagesFetched: 41,
		StopReason:   "queue drained",
	}
	require.NoError(t, r.runs.StartRun(ctx, run))

	server := r.server(t, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Run runDTO `json:"run"`
	}](t, rec)
	require.Equal(t, run.RunID.String(), resp.Run.RunID)
	require.Equal(t, 3, resp.Run.TargetsDone)
	require.Equal(t, 41, resp.Run.PagesFetched)
	require.Equal(t, "queue drained", resp.Run.StopReason)
}

func TestServer_GetRun_BadID(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid run_id")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "run not found")
}

func TestServer_GetVerification(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	ctx := context.Background()
	listing := crawl.Listing{
		ID:       uuid.New(),
		Name:     "Acme Plumbing",
		Domain:   "acmeplumbing.example",
		Region:   "or",
		Locality: "portland",
		Category: "plumbers",
		Source:   "directory",
	}
	require.NoError(t, r.listings.UpsertListing(ctx, listing))
	require.NoError(t, r.listings.SaveVerification(ctx, crawl.VerificationResult{
		ListingID:  listing.ID,
		Combined:   0.91,
		Status:     crawl.VerificationPassed,
		Tier:       crawl.TierA,
		VerifiedAt: r.clock.Now(),
	}))

	server := r.server(t, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/listings/"+listing.ID.String()+"/verification", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Verification crawl.VerificationResult `json:"verification"`
	}](t, rec)
	require.Equal(t, listing.ID, resp.Verification.ListingID)
	require.Equal(t, crawl.VerificationPassed, resp.Verification.Status)
	require.Equal(t, crawl.TierA, resp.Verification.Tier)
}

func TestServer_GetVerification_NotFound(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/listings/"+uuid.NewString()+"/verification", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "verification not found")
}

func TestServer_ReviewQueue_JoinsListing(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	ctx := context.Background()

	borderline := crawl.Listing{
		ID:       uuid.New(),
		Name:     "Maybe Plumbing",
		Domain:   "maybeplumbing.example",
		Region:   "or",
		Locality: "portland",
		Category: "plumbers",
		Source:   "directory",
	}
	confident := crawl.Listing{
		ID:       uuid.New(),
		Name:     "Acme Plumbing",
		Domain:   "acmeplumbing.example",
		Region:   "or",
		Locality: "portland",
		Category: "plumbers",
		Source:   "directory",
	}
	require.NoError(t, r.listings.UpsertListing(ctx, borderline))
	require.NoError(t, r.listings.UpsertListing(ctx, confident))
	require.NoError(t, r.listings.SaveVerification(ctx, crawl.VerificationResult{
		ListingID:   borderline.ID,
		Combined:    0.52,
		Status:      crawl.VerificationUnknown,
		NeedsReview: true,
		Tier:        crawl.TierC,
		VerifiedAt:  r.clock.Now(),
	}))
	require.NoError(t, r.listings.SaveVerification(ctx, crawl.VerificationResult{
		ListingID:  confident.ID,
		Combined:   0.93,
		Status:     crawl.VerificationPassed,
		Tier:       crawl.TierA,
		VerifiedAt: r.clock.Now(),
	}))

	server := r.server(t, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/review-queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		ReviewQueue []reviewDTO `json:"review_queue"`
	}](t, rec)
	require.Len(t, resp.ReviewQueue, 1)
	require.Equal(t, borderline.ID.String(), resp.ReviewQueue[0].ListingID)
	require.Equal(t, "Maybe Plumbing", resp.ReviewQueue[0].Name)
	require.Equal(t, "maybeplumbing.example", resp.ReviewQueue[0].Domain)
	require.Equal(t, "unknown", resp.ReviewQueue[0].Status)
}
