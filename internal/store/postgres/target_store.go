package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/localscope/prospector/internal/crawl"
)

// TargetStore implements crawl.TargetStore on Postgres.
//
// It assumes a table schema like:
//
//	CREATE TABLE crawl_targets (
//	    id UUID PRIMARY KEY,
//	    region TEXT NOT NULL,
//	    locality TEXT NOT NULL,
//	    category TEXT NOT NULL,
//	    priority INT NOT NULL DEFAULT 0,
//	    status TEXT NOT NULL DEFAULT 'pending',
//	    attempts INT NOT NULL DEFAULT 0,
//	    claimed_by TEXT NOT NULL DEFAULT '',
//	    claimed_at TIMESTAMPTZ,
//	    finished_at TIMESTAMPTZ,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX crawl_targets_active_key
//	    ON crawl_targets (region, locality, category)
//	    WHERE status IN ('pending', 'in_progress');
type TargetStore struct {
	pool  pool
	clock crawl.Clock
}

// NewTargetStore constructs a TargetStore over an existing pool.
func NewTargetStore(p pool, clk crawl.Clock) (*TargetStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TargetStore{pool: p, clock: orSystemClock(clk)}, nil
}

// Close releases the underlying pool.
func (s *TargetStore) Close() {
	s.pool.Close()
}

const targetColumns = `id, region, locality, category, priority, status, attempts,
	claimed_by, claimed_at, finished_at, last_error, created_at, updated_at`

// Enqueue inserts targets; rows colliding with an active (region, locality,
// category) key are skipped by the partial unique index.
func (s *TargetStore) Enqueue(ctx context.Context, targets ...crawl.CrawlTarget) error {
	query := `
		INSERT INTO crawl_targets (id, region, locality, category, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT DO NOTHING;
	`
	now := s.clock.Now()
	for _, target := range targets {
		status := target.Status
		if status == "" {
			status = crawl.TargetPending
		}
		createdAt := target.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := s.pool.Exec(ctx, query,
			target.ID, target.Region, target.Locality, target.Category,
			target.Priority, status, createdAt,
		); err != nil {
			return fmt.Errorf("enqueue target %s: %w", target.Key(), err)
		}
	}
	return nil
}

// Claim atomically hands the best pending target to workerID. SKIP LOCKED
// keeps concurrent claimers from ever selecting the same row.
func (s *TargetStore) Claim(ctx context.Context, workerID string) (crawl.CrawlTarget, error) {
	query := `
		UPDATE crawl_targets SET
			status = 'in_progress',
			claimed_by = $1,
			claimed_at = $2,
			attempts = attempts + 1,
			updated_at = $2
		WHERE id = (
			SELECT id FROM crawl_targets
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + targetColumns + `;
	`
	row := s.pool.QueryRow(ctx, query, workerID, s.clock.Now())
	target, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.CrawlTarget{}, crawl.ErrNoTargets
		}
		return crawl.CrawlTarget{}, fmt.Errorf("claim target: %w", err)
	}
	return target, nil
}

// Complete marks the target done.
func (s *TargetStore) Complete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE crawl_targets
		SET status = 'done', last_error = '', finished_at = $1, updated_at = $1
		WHERE id = $2;
	`
	tag, err := s.pool.Exec(ctx, query, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("complete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// Fail records the failure; with requeue the target returns to pending.
func (s *TargetStore) Fail(ctx context.Context, id uuid.UUID, reason string, requeue bool) error {
	var query string
	if requeue {
		query = `
			UPDATE crawl_targets
			SET status = 'pending', claimed_by = '', claimed_at = NULL, last_error = $1, updated_at = $2
			WHERE id = $3;
		`
	} else {
		query = `
			UPDATE crawl_targets
			SET status = 'failed', last_error = $1, finished_at = $2, updated_at = $2
			WHERE id = $3;
		`
	}
	tag, err := s.pool.Exec(ctx, query, reason, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("fail target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// Get fetches one target by ID.
func (s *TargetStore) Get(ctx context.Context, id uuid.UUID) (crawl.CrawlTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM crawl_targets WHERE id = $1;`
	target, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.CrawlTarget{}, crawl.ErrNotFound
		}
		return crawl.CrawlTarget{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// List returns targets, optionally filtered by status, oldest first.
func (s *TargetStore) List(ctx context.Context, status *crawl.TargetStatus, limit, offset int) ([]crawl.CrawlTarget, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM crawl_targets
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []crawl.CrawlTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// ReleaseByWorker returns all of workerID's in-progress targets to the
// pending queue.
func (s *TargetStore) ReleaseByWorker(ctx context.Context, workerID string) (int, error) {
	query := `
		UPDATE crawl_targets
		SET status = 'pending', claimed_by = '', claimed_at = NULL, updated_at = $2
		WHERE status = 'in_progress' AND claimed_by = $1;
	`
	tag, err := s.pool.Exec(ctx, query, workerID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("release targets for %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseStale returns in-progress targets claimed before olderThan to the
// pending queue.
func (s *TargetStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE crawl_targets
		SET status = 'pending', claimed_by = '', claimed_at = NULL, updated_at = $2
		WHERE status = 'in_progress' AND (claimed_at IS NULL OR claimed_at < $1);
	`
	tag, err := s.pool.Exec(ctx, query, olderThan, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("release stale targets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanTarget(row pgx.Row) (crawl.CrawlTarget, error) {
	var target crawl.CrawlTarget
	err := row.Scan(
		&target.ID,
		&target.Region,
		&target.Locality,
		&target.Category,
		&target.Priority,
		&target.Status,
		&target.Attempts,
		&target.ClaimedBy,
		&target.ClaimedAt,
		&target.FinishedAt,
		&target.LastError,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	return target, err
}
