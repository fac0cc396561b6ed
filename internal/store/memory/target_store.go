package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localscope/prospector/internal/crawl"
)

// TargetStore is an in-memory crawl.TargetStore. Claim is atomic under the
// store mutex: a pending target is handed to exactly one caller.
type TargetStore struct {
	mu      sync.RWMutex
	clock   crawl.Clock
	targets map[uuid.UUID]crawl.CrawlTarget
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore(clk crawl.Clock) *TargetStore {
	return &TargetStore{
		clock:   orSystemClock(clk),
		targets: make(map[uuid.UUID]crawl.CrawlTarget),
	}
}

// Enqueue inserts targets, skipping any whose (region, locality, category)
// key is already queued or running.
func (s *TargetStore) Enqueue(_ context.Context, targets ...crawl.CrawlTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, target := range targets {
		if s.keyTaken(target) {
			continue
		}
		if target.Status == "" {
			target.Status = crawl.TargetPending
		}
		if target.CreatedAt.IsZero() {
			target.CreatedAt = now
		}
		target.UpdatedAt = now
		s.targets[target.ID] = target
	}
	return nil
}

func (s *TargetStore) keyTaken(candidate crawl.CrawlTarget) bool {
	for _, existing := range s.targets {
		if existing.Terminal() {
			continue
		}
		if existing.Key() == candidate.Key() {
			return true
		}
	}
	return false
}

// Claim hands the highest-priority pending target to workerID.
func (s *TargetStore) Claim(_ context.Context, workerID string) (crawl.CrawlTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *crawl.CrawlTarget
	for id := range s.targets {
		target := s.targets[id]
		if target.Status != crawl.TargetPending {
			continue
		}
		if best == nil || claimBefore(target, *best) {
			picked := target
			best = &picked
		}
	}
	if best == nil {
		return crawl.CrawlTarget{}, crawl.ErrNoTargets
	}

	now := s.clock.Now()
	best.Status = crawl.TargetInProgress
	best.ClaimedBy = workerID
	best.ClaimedAt = &now
	best.Attempts++
	best.UpdatedAt = now
	s.targets[best.ID] = *best
	return cloneTarget(*best), nil
}

// claimBefore orders claim candidates: higher priority first, then older.
func claimBefore(a, b crawl.CrawlTarget) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Complete marks the target done.
func (s *TargetStore) Complete(_ context.Context, id uuid.UUID) error {
	return s.finish(id, crawl.TargetDone, "")
}

// Fail records the failure reason; with requeue the target returns to the
// pending queue instead of going terminal.
func (s *TargetStore) Fail(_ context.Context, id uuid.UUID, reason string, requeue bool) error {
	if requeue {
		s.mu.Lock()
		defer s.mu.Unlock()
		target, ok := s.targets[id]
		if !ok {
			return crawl.ErrNotFound
		}
		target.Status = crawl.TargetPending
		target.ClaimedBy = ""
		target.ClaimedAt = nil
		target.LastError = reason
		target.UpdatedAt = s.clock.Now()
		s.targets[id] = target
		return nil
	}
	return s.finish(id, crawl.TargetFailed, reason)
}

func (s *TargetStore) finish(id uuid.UUID, status crawl.TargetStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.targets[id]
	if !ok {
		return crawl.ErrNotFound
	}
	now := s.clock.Now()
	target.Status = status
	target.LastError = reason
	target.FinishedAt = &now
	target.UpdatedAt = now
	s.targets[id] = target
	return nil
}

// Get fetches one target by ID.
func (s *TargetStore) Get(_ context.Context, id uuid.UUID) (crawl.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.targets[id]
	if !ok {
		return crawl.CrawlTarget{}, crawl.ErrNotFound
	}
	return cloneTarget(target), nil
}

// List returns targets, optionally filtered by status, ordered by creation
// time. A non-positive limit means no limit.
func (s *TargetStore) List(_ context.Context, status *crawl.TargetStatus, limit, offset int) ([]crawl.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.CrawlTarget, 0, len(s.targets))
	for _, target := range s.targets {
		if status != nil && target.Status != *status {
			continue
		}
		out = append(out, cloneTarget(target))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return window(out, limit, offset), nil
}

// ReleaseByWorker returns all of workerID's in-progress targets to the
// pending queue and reports how many were released.
func (s *TargetStore) ReleaseByWorker(_ context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	now := s.clock.Now()
	for id, target := range s.targets {
		if target.Status != crawl.TargetInProgress || target.ClaimedBy != workerID {
			continue
		}
		target.Status = crawl.TargetPending
		target.ClaimedBy = ""
		target.ClaimedAt = nil
		target.UpdatedAt = now
		s.targets[id] = target
		released++
	}
	return released, nil
}

// ReleaseStale returns in-progress targets claimed before olderThan to the
// pending queue and reports how many were released.
func (s *TargetStore) ReleaseStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	now := s.clock.Now()
	for id, target := range s.targets {
		if target.Status != crawl.TargetInProgress {
			continue
		}
		if target.ClaimedAt == nil || target.ClaimedAt.Before(olderThan) {
			target.Status = crawl.TargetPending
			target.ClaimedBy = ""
			target.ClaimedAt = nil
			target.UpdatedAt = now
			s.targets[id] = target
			released++
		}
	}
	return released, nil
}

func cloneTarget(t crawl.CrawlTarget) crawl.CrawlTarget {
	out := t
	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		out.ClaimedAt = &claimed
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
