package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/localscope/prospector/internal/crawl"
)

// StateStore implements crawl.StateStore on Postgres. The frontier, visited
// set, discovered map and evidence are stored as JSONB so the whole resumable
// state round-trips in one row.
//
// It assumes a table schema like:
//
//	CREATE TABLE site_crawl_states (
//	    domain TEXT PRIMARY KEY,
//	    listing_id UUID NOT NULL,
//	    phase TEXT NOT NULL,
//	    cursor_url TEXT NOT NULL DEFAULT '',
//	    frontier JSONB NOT NULL DEFAULT '[]',
//	    visited JSONB NOT NULL DEFAULT '{}',
//	    discovered JSONB NOT NULL DEFAULT '{}',
//	    evidence JSONB NOT NULL DEFAULT '{}',
//	    pages_crawled INT NOT NULL DEFAULT 0,
//	    targets_found INT NOT NULL DEFAULT 0,
//	    errors_count INT NOT NULL DEFAULT 0,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    started_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    completed_at TIMESTAMPTZ
//	);
type StateStore struct {
	pool pool
}

// NewStateStore constructs a StateStore over an existing pool.
func NewStateStore(p pool) (*StateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StateStore{pool: p}, nil
}

// Close releases the underlying pool.
func (s *StateStore) Close() {
	s.pool.Close()
}

const stateColumns = `domain, listing_id, phase, cursor_url, frontier, visited, discovered,
	evidence, pages_crawled, targets_found, errors_count, last_error,
	started_at, updated_at, completed_at`

// Load fetches the state for domain; found is false when no crawl has been
// checkpointed for it yet.
func (s *StateStore) Load(ctx context.Context, domain string) (crawl.SiteCrawlState, bool, error) {
	query := `SELECT ` + stateColumns + ` FROM site_crawl_states WHERE domain = $1;`
	state, err := scanState(s.pool.QueryRow(ctx, query, domain))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.SiteCrawlState{}, false, nil
		}
		return crawl.SiteCrawlState{}, false, fmt.Errorf("load state for %s: %w", domain, err)
	}
	return state, true, nil
}

// Checkpoint upserts the whole state keyed by domain. Re-writing an unchanged
// state overwrites the row with identical values, so retries are harmless.
func (s *StateStore) Checkpoint(ctx context.Context, state crawl.SiteCrawlState) error {
	if state.Domain == "" {
		return fmt.Errorf("state domain is required")
	}
	query := `
		INSERT INTO site_crawl_states (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (domain) DO UPDATE SET
			phase = EXCLUDED.phase,
			cursor_url = EXCLUDED.cursor_url,
			frontier = EXCLUDED.frontier,
			visited = EXCLUDED.visited,
			discovered = EXCLUDED.discovered,
			evidence = EXCLUDED.evidence,
			pages_crawled = EXCLUDED.pages_crawled,
			targets_found = EXCLUDED.targets_found,
			errors_count = EXCLUDED.errors_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at;
	`
	frontier, err := json.Marshal(state.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	visited, err := json.Marshal(state.Visited)
	if err != nil {
		return fmt.Errorf("marshal visited set: %w", err)
	}
	discovered, err := json.Marshal(state.Discovered)
	if err != nil {
		return fmt.Errorf("marshal discovered map: %w", err)
	}
	evidence, err := json.Marshal(state.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query,
		state.Domain, state.ListingID, state.Phase, state.Cursor,
		frontier, visited, discovered, evidence,
		state.PagesCrawled, state.TargetsFound, state.ErrorsCount, state.LastError,
		state.StartedAt, state.UpdatedAt, state.CompletedAt,
	); err != nil {
		return fmt.Errorf("checkpoint state for %s: %w", state.Domain, err)
	}
	return nil
}

// ListByPhase returns states in the given phase ordered by domain.
func (s *StateStore) ListByPhase(ctx context.Context, phase crawl.Phase, limit, offset int) ([]crawl.SiteCrawlState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM site_crawl_states
		WHERE phase = $1
		ORDER BY domain
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, phase, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list states by phase: %w", err)
	}
	defer rows.Close()

	var states []crawl.SiteCrawlState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanState(row pgx.Row) (crawl.SiteCrawlState, error) {
	var (
		state      crawl.SiteCrawlState
		frontier   []byte
		visited    []byte
		discovered []byte
		evidence   []byte
	)
	err := row.Scan(
		&state.Domain,
		&state.ListingID,
		&state.Phase,
		&state.Cursor,
		&frontier,
		&visited,
		&discovered,
		&evidence,
		&state.PagesCrawled,
		&state.TargetsFound,
		&state.ErrorsCount,
		&state.LastError,
		&state.StartedAt,
		&state.UpdatedAt,
		&state.CompletedAt,
	)
	if err != nil {
		return crawl.SiteCrawlState{}, err
	}
	if len(frontier) > 0 {
		if err := json.Unmarshal(frontier, &state.Frontier); err != nil {
			return crawl.SiteCrawlState{}, fmt.Errorf("unmarshal frontier: %w", err)
		}
	}
	if len(visited) > 0 {
		if err := json.Unmarshal(visited, &state.Visited); err != nil {
			return crawl.SiteCrawlState{}, fmt.Errorf("unmarshal visited set: %w", err)
		}
	}
	if len(discovered) > 0 {
		if err := json.Unmarshal(discovered, &state.Discovered); err != nil {
			return crawl.SiteCrawlState{}, fmt.Errorf("unmarshal discovered map: %w", err)
		}
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &state.Evidence); err != nil {
			return crawl.SiteCrawlState{}, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return state, nil
}
