package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type targetRequest struct {
	Region   string `json:"region" validate:"required"`
	Locality string `json:"locality" validate:"required"`
	Category string `json:"category" validate:"required"`
	Priority int    `json:"priority" validate:"min=0"`
}

type enqueueTargetsRequest struct {
	Targets []targetRequest `json:"targets" validate:"required,min=1,max=1000,dive"`
}

// enqueueTargets handles POST /v1/targets. Seeding tools submit
// region/locality/category batches; duplicates of still-active targets are
// dropped by the store.
func (s *Server) enqueueTargets(w http.ResponseWriter, r *http.Request) {
	var req enqueueTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.valid.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.clock.Now()
	targets := make([]crawl.CrawlTarget, 0, len(req.Targets))
	ids := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Error("mint target id failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to mint target ids")
			return
		}
		targets = append(targets, crawl.CrawlTarget{
			ID:        id,
			Region:    t.Region,
			Locality:  t.Locality,
			Category:  t.Category,
			Priority:  t.Priority,
			Status:    crawl.TargetPending,
			CreatedAt: now,
		})
		ids = append(ids, id.String())
	}

	if err := s.targets.Enqueue(r.Context(), targets...); err != nil {
		s.logger.Error("enqueue targets failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue targets")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   len(targets),
		"target_ids": ids,
	})
}

// listTargets handles GET /v1/targets?status=&limit=&offset=.
func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseTargetStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	targets, err := s.targets.List(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list targets failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": toTargetDTOs(targets)})
}

// listRuns handles GET /v1/runs?limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// getRun handles GET /v1/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "run_id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// getVerification handles GET /v1/listings/{listing_id}/verification.
func (s *Server) getVerification(w http.ResponseWriter, r *http.Request) {
	listingID, err := parseUUIDParam(r, "listing_id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.listings.GetVerification(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "verification not found")
			return
		}
		s.logger.Error("get verification failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load verification")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"verification": result})
}

// listReviewQueue handles GET /v1/review-queue?limit=&offset=, the borderline
// verdicts a human should look at.
func (s *Server) listReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.listings.ListNeedsReview(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list review queue failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list review queue")
		return
	}

	out := make([]reviewDTO, 0, len(results))
	for _, result := range results {
		dto := reviewDTO{
			ListingID:  result.ListingID.String(),
			Combined:   result.Combined,
			Status:     string(result.Status),
			Tier:       string(result.Tier),
			VerifiedAt: result.VerifiedAt,
		}
		if listing, lookupErr := s.listings.GetListing(r.Context(), result.ListingID); lookupErr == nil {
			dto.Name = listing.Name
			dto.Domain = listing.Domain
		}
		out = append(out, dto)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"review_queue": out})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return uuid.UUID{}, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseTargetStatus(input string) (*crawl.TargetStatus, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil, nil
	}
	for _, status := range []crawl.TargetStatus{
		crawl.TargetPending, crawl.TargetInProgress, crawl.TargetDone, crawl.TargetFailed,
	} {
		if input == string(status) {
			match := status
			return &match, nil
		}
	}
	return nil, errors.New("invalid status")
}

func toTargetDTOs(in []crawl.CrawlTarget) []targetDTO {
	out := make([]targetDTO, 0, len(in))
	for _, target := range in {
		out = append(out, targetDTO{
			ID:        target.ID.String(),
			Region:    target.Region,
			Locality:  target.Locality,
			Category:  target.Category,
			Priority:  target.Priority,
			Status:    string(target.Status),
			Attempts:  target.Attempts,
			ClaimedBy: target.ClaimedBy,
			LastError: target.LastError,
			CreatedAt: target.CreatedAt,
			UpdatedAt: target.UpdatedAt,
		})
	}
	return out
}

func toRunDTOs(in []crawl.RunSummary) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run crawl.RunSummary) runDTO {
	return runDTO{
		RunID:            run.RunID.String(),
		WorkerID:         run.WorkerID,
		StartedAt:        run.StartedAt,
		FinishedAt:       run.FinishedAt,
		StopReason:       run.StopReason,
		TargetsClaimed:   run.TargetsClaimed,
		TargetsDone:      run.TargetsDone,
		TargetsFailed:    run.TargetsFailed,
		DomainsCrawled:   run.DomainsCrawled,
		DomainsFailed:    run.DomainsFailed,
		PagesFetched:     run.PagesFetched,
		ListingsFound:    run.ListingsFound,
		ListingsVerified: run.ListingsVerified,
		ErrorCounts:      run.ErrorCounts,
	}
}

type targetDTO struct {
	ID        string    `json:"id"`
	Region    string    `json:"region"`
	Locality  string    `json:"locality"`
	Category  string    `json:"category"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type runDTO struct {
	RunID            string         `json:"run_id"`
	WorkerID         string         `json:"worker_id"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	StopReason       string         `json:"stop_reason,omitempty"`
	TargetsClaimed   int            `json:"targets_claimed"`
	TargetsDone      int            `json:"targets_done"`
	TargetsFailed    int            `json:"targets_failed"`
	DomainsCrawled   int            `json:"domains_crawled"`
	DomainsFailed    int            `json:"domains_failed"`
	PagesFetched     int            `json:"pages_fetched"`
	ListingsFound    int            `json:"listings_found"`
	ListingsVerified int            `json:"listings_verified"`
	ErrorCounts      map[string]int `json:"error_counts,omitempty"`
}

type reviewDTO struct {
	ListingID  string    `json:"listing_id"`
	Name       string    `json:"name,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	Combined   float64   `json:"combined"`
	Status     string    `json:"status"`
	Tier       string    `json:"tier"`
	VerifiedAt time.Time `json:"verified_at"`
}
