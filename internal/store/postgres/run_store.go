package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/localscope/prospector/internal/crawl"
)

// RunStore implements crawl.RunStore on Postgres.
//
// It assumes a table schema like:
//
//	CREATE TABLE run_summaries (
//	    run_id UUID PRIMARY KEY,
//	    worker_id TEXT NOT NULL,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    last_heartbeat TIMESTAMPTZ,
//	    finished_at TIMESTAMPTZ,
//	    targets_claimed INT NOT NULL DEFAULT 0,
//	    targets_done INT NOT NULL DEFAULT 0,
//	    targets_failed INT NOT NULL DEFAULT 0,
//	    domains_crawled INT NOT NULL DEFAULT 0,
//	    domains_failed INT NOT NULL DEFAULT 0,
//	    pages_fetched INT NOT NULL DEFAULT 0,
//	    listings_found INT NOT NULL DEFAULT 0,
//	    listings_verified INT NOT NULL DEFAULT 0,
//	    operations INT NOT NULL DEFAULT 0,
//	    successes INT NOT NULL DEFAULT 0,
//	    failures INT NOT NULL DEFAULT 0,
//	    stop_reason TEXT NOT NULL DEFAULT '',
//	    error_counts JSONB NOT NULL DEFAULT '{}'
//	);
type RunStore struct {
	pool pool
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Close releases the underlying pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

const runColumns = `run_id, worker_id, started_at, last_heartbeat, finished_at,
	targets_claimed, targets_done, targets_failed,
	domains_crawled, domains_failed, pages_fetched,
	listings_found, listings_verified,
	operations, successes, failures, stop_reason, error_counts`

// StartRun records the beginning of a worker run.
func (s *RunStore) StartRun(ctx context.Context, run crawl.RunSummary) error {
	query := `
		INSERT INTO run_summaries (run_id, worker_id, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, run.RunID, run.WorkerID, run.StartedAt); err != nil {
		return fmt.Errorf("start run %s: %w", run.RunID, err)
	}
	return nil
}

// Heartbeat refreshes the run's liveness mark. Out-of-order batches never
// move the mark backwards.
func (s *RunStore) Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE run_summaries
		SET last_heartbeat = GREATEST(last_heartbeat, $2)
		WHERE run_id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("heartbeat run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// CompleteRun fills in the final accounting for a started run.
func (s *RunStore) CompleteRun(ctx context.Context, run crawl.RunSummary) error {
	query := `
		UPDATE run_summaries SET
			finished_at = $2,
			targets_claimed = $3,
			targets_done = $4,
			targets_failed = $5,
			domains_crawled = $6,
			domains_failed = $7,
			pages_fetched = $8,
			listings_found = $9,
			listings_verified = $10,
			operations = $11,
			successes = $12,
			failures = $13,
			stop_reason = $14,
			error_counts = $15
		WHERE run_id = $1;
	`
	errorCounts, err := json.Marshal(run.ErrorCounts)
	if err != nil {
		return fmt.Errorf("marshal error counts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query,
		run.RunID, run.FinishedAt,
		run.TargetsClaimed, run.TargetsDone, run.TargetsFailed,
		run.DomainsCrawled, run.DomainsFailed, run.PagesFetched,
		run.ListingsFound, run.ListingsVerified,
		run.Operations, run.Successes, run.Failures,
		run.StopReason, errorCounts,
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// GetRun fetches one run summary.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (crawl.RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM run_summaries WHERE run_id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.RunSummary{}, crawl.ErrNotFound
		}
		return crawl.RunSummary{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns run summaries newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]crawl.RunSummary, error) {
	query := `
		SELECT ` + runColumns + `
		FROM run_summaries
		ORDER BY started_at DESC, run_id
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []crawl.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (crawl.RunSummary, error) {
	var (
		run         crawl.RunSummary
		errorCounts []byte
	)
	err := row.Scan(
		&run.RunID,
		&run.WorkerID,
		&run.StartedAt,
		&run.LastHeartbeat,
		&run.FinishedAt,
		&run.TargetsClaimed,
		&run.TargetsDone,
		&run.TargetsFailed,
		&run.DomainsCrawled,
		&run.DomainsFailed,
		&run.PagesFetched,
		&run.ListingsFound,
		&run.ListingsVerified,
		&run.Operations,
		&run.Successes,
		&run.Failures,
		&run.StopReason,
		&errorCounts,
	)
	if err != nil {
		return crawl.RunSummary{}, err
	}
	if len(errorCounts) > 0 {
		if err := json.Unmarshal(errorCounts, &run.ErrorCounts); err != nil {
			return crawl.RunSummary{}, fmt.Errorf("unmarshal error counts: %w", err)
		}
	}
	return run, nil
}
