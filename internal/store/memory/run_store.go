package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localscope/prospector/internal/crawl"
)

// RunStore is an in-memory crawl.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]crawl.RunSummary
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]crawl.RunSummary)}
}

// StartRun records a new run summary.
func (s *RunStore) StartRun(_ context.Context, run crawl.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// Heartbeat refreshes the run's liveness mark.
func (s *RunStore) Heartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return crawl.ErrNotFound
	}
	run.LastHeartbeat = &at
	s.runs[id] = run
	return nil
}

// CompleteRun replaces the summary with its final accounting.
func (s *RunStore) CompleteRun(_ context.Context, run crawl.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; !ok {
		return crawl.ErrNotFound
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// GetRun fetches one run summary.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (crawl.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return crawl.RunSummary{}, crawl.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns summaries newest first.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]crawl.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID.String() < out[j].RunID.String()
	})
	return window(out, limit, offset), nil
}

func cloneRun(r crawl.RunSummary) crawl.RunSummary {
	out := r
	if r.LastHeartbeat != nil {
		beat := *r.LastHeartbeat
		out.LastHeartbeat = &beat
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	if r.ErrorCounts != nil {
		out.ErrorCounts = make(map[string]int, len(r.ErrorCounts))
		for k, v := range r.ErrorCounts {
			out.ErrorCounts[k] = v
		}
	}
	return out
}
