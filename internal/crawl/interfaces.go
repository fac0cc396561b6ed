package crawl

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TargetStore is the durable work queue of crawl targets. Claim must be
// atomic: no two workers may receive the same pending target.
// ReleaseByWorker returns a dead worker's in-progress targets to pending;
// ReleaseStale does the same by claim age for workers that never exited.
type TargetStore interface {
	Enqueue(ctx context.Context, targets ...CrawlTarget) error
	Claim(ctx context.Context, workerID string) (CrawlTarget, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, reason string, requeue bool) error
	Get(ctx context.Context, id uuid.UUID) (CrawlTarget, error)
	List(ctx context.Context, status *TargetStatus, limit, offset int) ([]CrawlTarget, error)
	ReleaseByWorker(ctx context.Context, workerID string) (int, error)
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)
}

// StateStore persists per-domain crawl state. Checkpoint must be idempotent:
// writing the same state twice leaves the record unchanged.
type StateStore interface {
	Load(ctx context.Context, domain string) (SiteCrawlState, bool, error)
	Checkpoint(ctx context.Context, state SiteCrawlState) error
	ListByPhase(ctx context.Context, phase Phase, limit, offset int) ([]SiteCrawlState, error)
}

// ListingStore persists discovered listings and their verification results.
type ListingStore interface {
	UpsertListing(ctx context.Context, listing Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (Listing, error)
	ListListings(ctx context.Context, limit, offset int) ([]Listing, error)
	SaveVerification(ctx context.Context, result VerificationResult) error
	GetVerification(ctx context.Context, listingID uuid.UUID) (VerificationResult, error)
	ListNeedsReview(ctx context.Context, limit, offset int) ([]VerificationResult, error)
}

// RunStore records run summaries for every worker run, finished or aborted.
// Heartbeat refreshes a running worker's liveness mark between start and
// completion.
type RunStore interface {
	StartRun(ctx context.Context, run RunSummary) error
	Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteRun(ctx context.Context, run RunSummary) error
	GetRun(ctx context.Context, id uuid.UUID) (RunSummary, error)
	ListRuns(ctx context.Context, limit, offset int) ([]RunSummary, error)
}

// DomainClaimer serializes crawling per domain across workers. Acquire
// returns false when another owner already holds the claim. The crawled
// marks suppress re-crawls: MarkCrawled records a finished domain and
// RecentlyCrawled reports whether such a mark is still live.
type DomainClaimer interface {
	Acquire(ctx context.Context, domain, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, domain, owner string) error
	MarkCrawled(ctx context.Context, domain string, ttl time.Duration) error
	RecentlyCrawled(ctx context.Context, domain string) (bool, error)
}

// VerifyQueue buffers verification work between the crawl workers and the
// verification consumer.
type VerifyQueue interface {
	Enqueue(ctx context.Context, job VerifyJob) error
	Dequeue(ctx context.Context) (VerifyJob, error)
}

// FetchRequest describes one page retrieval, including the proxy and
// user agent the pool leased for it.
type FetchRequest struct {
	URL       string
	ProxyURL  string
	UserAgent string
	Headers   http.Header
	Render    bool
}

// FetchResponse is the raw page plus retrieval metadata.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher retrieves a single page. Implementations translate their failures
// into the error taxonomy so callers can dispatch on class.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Classifier labels free text with a category and a confidence in [0, 1].
type Classifier interface {
	Classify(ctx context.Context, text string) (label string, confidence float64, err error)
}

// Publisher pushes discovery and verification events to downstream
// consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// BlobStore persists raw page snapshots and export artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Hasher fingerprints page content for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator mints identifiers for targets, listings and runs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
