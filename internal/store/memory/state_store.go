package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/localscope/prospector/internal/crawl"
)

// StateStore is an in-memory crawl.StateStore. Checkpoint overwrites the
// whole record per domain, which makes it naturally idempotent.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]crawl.SiteCrawlState
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]crawl.SiteCrawlState)}
}

// Load fetches the state for domain if one was ever checkpointed.
func (s *StateStore) Load(_ context.Context, domain string) (crawl.SiteCrawlState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[domain]
	if !ok {
		return crawl.SiteCrawlState{}, false, nil
	}
	return state.Clone(), true, nil
}

// Checkpoint replaces the stored state for state.Domain atomically.
func (s *StateStore) Checkpoint(_ context.Context, state crawl.SiteCrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Domain] = state.Clone()
	return nil
}

// ListByPhase returns states in the given phase ordered by domain.
func (s *StateStore) ListByPhase(_ context.Context, phase crawl.Phase, limit, offset int) ([]crawl.SiteCrawlState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.SiteCrawlState, 0, len(s.states))
	for _, state := range s.states {
		if state.Phase == phase {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return window(out, limit, offset), nil
}
