package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
	storememory "github.com/localscope/prospector/internal/store/memory"
)

type apiRig struct {
	clock    *stubClock
	targets  *storememory.TargetStore
	listings *storememory.ListingStore
	runs     *storememory.RunStore
}

func newAPIRig() *apiRig {
	clk := &stubClock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	return &apiRig{
		clock:    clk,
		targets:  storememory.NewTargetStore(clk),
		listings: storememory.NewListingStore(clk),
		runs:     storememory.NewRunStore(),
	}
}

func (r *apiRig) server(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg, Options{
		Targets:  r.targets,
		Listings: r.listings,
		Runs:     r.runs,
		Clock:    r.clock,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz_Succeeds(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ready"`)
}

func TestServer_Readyz_StoreDown(t *testing.T) {
	t.Parallel()

	r := newAPIRig()
	server, err := NewServer(Config{}, Options{
		Targets:  r.targets,
		Listings: r.listings,
		Runs:     failingRunStore{},
		Clock:    r.clock,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_RequestID_InboundHonored(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_APIKey_GatesV1Only(t *testing.T) {
	t.Parallel()

	server := newAPIRig().server(t, Config{APIKey: "secret"})

	// Probes stay open.
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// /v1 without the key is rejected.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Header key unlocks it.
	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The query parameter fallback works too.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	r := newAPIRig()

	_, err := NewServer(Config{}, Options{Listings: r.listings, Runs: r.runs})
	require.ErrorContains(t, err, "target store")

	_, err = NewServer(Config{}, Options{Targets: r.targets, Runs: r.runs})
	require.ErrorContains(t, err, "listing store")

	_, err = NewServer(Config{}, Options{Targets: r.targets, Listings: r.listings})
	require.ErrorContains(t, err, "run store")
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

var errStoreDown = errors.New("store down")

type failingRunStore struct{}

func (failingRunStore) StartRun(context.Context, crawl.RunSummary) error { return errStoreDown }

func (failingRunStore) Heartbeat(context.Context, uuid.UUID, time.Time) error {
	return errStoreDown
}

func (failingRunStore) CompleteRun(context.Context, crawl.RunSummary) error { return errStoreDown }

func (failingRunStore) GetRun(context.Context, uuid.UUID) (crawl.RunSummary, error) {
	return crawl.RunSummary{}, errStoreDown
}

func (failingRunStore) ListRuns(context.Context, int, int) ([]crawl.RunSummary, error) {
	return nil, errStoreDown
}
