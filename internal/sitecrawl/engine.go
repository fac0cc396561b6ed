// Package sitecrawl drives the per-domain crawl state machine: load or
// create persisted state, walk the frontier breadth-first under the rate
// governor's pacing, merge page evidence, and checkpoint after every page
// so a crash loses at most the page in flight.
package sitecrawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/blockdetect"
	"github.com/localscope/prospector/internal/classify"
	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/governor"
	"github.com/localscope/prospector/internal/hash/sha256"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/progress"
	"github.com/localscope/prospector/internal/proxy"
)

// Gate paces and budgets network operations. The rate governor implements
// it; tests substitute a permissive fake.
type Gate interface {
	Authorize(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
	RecordBlock()
	Delay() time.Duration
}

// ProxySource hands out a fetch identity per network call.
type ProxySource interface {
	Checkout() (proxy.Lease, error)
	ReportSuccess(proxy.Lease)
	ReportFailure(proxy.Lease)
}

// Promoter decides whether a static response needs a rendered refetch.
type Promoter interface {
	ShouldPromote(crawl.FetchResponse) bool
}

// Emitter receives page and domain milestones; the progress hub implements
// it.
type Emitter interface {
	Emit(evt progress.Event)
}

// Seed identifies the site to crawl and the listing it backs. RunID and
// WorkerID attribute the crawl's progress events to the run driving it.
type Seed struct {
	Domain       string
	Homepage     string
	ListingID    uuid.UUID
	Category     string
	BusinessName string
	RunID        uuid.UUID
	WorkerID     string
}

// Report tallies the work one Crawl call performed, as distinct from the
// cumulative totals the persisted state carries across resumes.
type Report struct {
	Pages  int
	Bytes  int64
	Errors int
}

// Config bounds one domain's crawl. SnapshotPrefix and SnapshotContentType
// shape archived page objects; both have working defaults.
type Config struct {
	MaxPagesPerDomain   int
	MaxErrorsPerDomain  int
	MinTargetsForDone   int
	SnapshotPages       bool
	SnapshotPrefix      string
	SnapshotContentType string
	UserAgent           string
}

func (c Config) normalized() Config {
	if c.MaxPagesPerDomain <= 0 {
		c.MaxPagesPerDomain = 12
	}
	if c.MaxErrorsPerDomain <= 0 {
		c.MaxErrorsPerDomain = 4
	}
	if c.MinTargetsForDone <= 0 {
		c.MinTargetsForDone = 3
	}
	return c
}

// Options carries the engine's collaborators. Fetcher, States, Gate and
// Proxies are required; the rest default to working no-op or system
// implementations.
type Options struct {
	Fetcher  crawl.Fetcher
	Renderer crawl.Fetcher
	Promoter Promoter
	States   crawl.StateStore
	Gate     Gate
	Proxies  ProxySource
	Blobs    crawl.BlobStore
	Hasher   crawl.Hasher
	Retry    *governor.ExponentialRetry
	Events   Emitter
	Clock    crawl.Clock
	Logger   *zap.Logger
}

// Engine runs site crawls. Safe for concurrent use across distinct domains;
// callers must not run two crawls of the same domain at once.
type Engine struct {
	cfg      Config
	fetcher  crawl.Fetcher
	renderer crawl.Fetcher
	promoter Promoter
	states   crawl.StateStore
	gate     Gate
	proxies  ProxySource
	blocks   *blockdetect.Detector
	vocab    *classify.Keyword
	blobs    crawl.BlobStore
	hasher   crawl.Hasher
	retry    *governor.ExponentialRetry
	events   Emitter
	clock    crawl.Clock
	logger   *zap.Logger
}

// New creates an engine from cfg and opts.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("sitecrawl: fetcher is required")
	}
	if opts.States == nil {
		return nil, errors.New("sitecrawl: state store is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("sitecrawl: gate is required")
	}
	if opts.Proxies == nil {
		return nil, errors.New("sitecrawl: proxy source is required")
	}
	if opts.Retry == nil {
		opts.Retry = governor.NewExponentialRetry(0, 0, 0)
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg.normalized(),
		fetcher:  opts.Fetcher,
		renderer: opts.Renderer,
		promoter: opts.Promoter,
		states:   opts.States,
		gate:     opts.Gate,
		proxies:  opts.Proxies,
		blocks:   blockdetect.New(),
		vocab:    classify.NewKeyword(),
		blobs:    opts.Blobs,
		hasher:   opts.Hasher,
		retry:    opts.Retry,
		events:   opts.Events,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

// Crawl drives the domain in seed to a terminal phase, resuming from any
// persisted state. A domain already in a terminal phase returns its stored
// result unchanged. The returned error is non-nil only when the crawl was
// cut short (cancellation, run budget, or a proxy-pool stall); the state
// reflects everything checkpointed so far either way, and the report
// counts only the work this call performed.
func (e *Engine) Crawl(ctx context.Context, seed Seed) (crawl.SiteCrawlState, Report, error) {
	var rep Report
	if seed.Domain == "" || seed.Homepage == "" {
		return crawl.SiteCrawlState{}, rep, errors.New("sitecrawl: seed needs domain and homepage")
	}

	state, found, err := e.states.Load(ctx, seed.Domain)
	if err != nil {
		return crawl.SiteCrawlState{}, rep, fmt.Errorf("load state for %s: %w", seed.Domain, err)
	}
	if !found {
		state = crawl.NewSiteCrawlState(seed.Domain, seed.Homepage, seed.ListingID, e.clock.Now())
		if err := e.checkpoint(ctx, &state); err != nil {
			return state, rep, err
		}
	}
	if state.Phase.Terminal() {
		return state, rep, nil
	}

	logger := e.logger.With(zap.String("domain", seed.Domain))
	logger.Info("crawling site",
		zap.String("phase", string(state.Phase)),
		zap.Int("pages_crawled", state.PagesCrawled),
		zap.Int("frontier", len(state.Frontier)))

	for len(state.Frontier) > 0 &&
		state.PagesCrawled < e.cfg.MaxPagesPerDomain &&
		state.ErrorsCount < e.cfg.MaxErrorsPerDomain {

		if err := ctx.Err(); err != nil {
			return state, rep, err
		}

		pageURL, _ := state.PopFrontier()
		resp, fetchErr := e.fetchPage(ctx, seed, pageURL)

		switch {
		case fetchErr == nil:
			e.recordPage(ctx, &state, &rep, seed, pageURL, resp)
		case errors.Is(fetchErr, crawl.ErrRobotsDisallowed):
			// A disallowed page is skipped, not failed.
			state.MarkVisited(pageURL)
			state.UpdatedAt = e.clock.Now()
			logger.Debug("skipping disallowed page", zap.String("url", pageURL))
		case aborted(fetchErr):
			// Requeue the in-flight page so resume repeats it, then
			// checkpoint best-effort even when ctx is already dead.
			state.Frontier = append([]string{pageURL}, state.Frontier...)
			state.UpdatedAt = e.clock.Now()
			if cerr := e.states.Checkpoint(context.WithoutCancel(ctx), state.Clone()); cerr != nil {
				logger.Warn("checkpoint on abort failed", zap.Error(cerr))
			}
			return state, rep, fetchErr
		default:
			e.recordFailure(&state, &rep, seed, pageURL, resp, fetchErr)
		}

		if err := e.checkpoint(ctx, &state); err != nil {
			return state, rep, err
		}
	}

	e.settle(&state)
	if err := e.checkpoint(ctx, &state); err != nil {
		return state, rep, err
	}

	metrics.ObserveDomain(string(state.Phase))
	e.emit(progress.Event{
		RunID:    progress.UUIDToBytes(seed.RunID),
		WorkerID: seed.WorkerID,
		TS:       e.clock.Now(),
		Stage:    progress.StageDomainDone,
		Domain:   seed.Domain,
		Pages:    int64(state.PagesCrawled),
		Note:     string(state.Phase),
	})
	logger.Info("site crawl finished",
		zap.String("phase", string(state.Phase)),
		zap.Int("pages_crawled", state.PagesCrawled),
		zap.Int("targets_found", state.TargetsFound),
		zap.Int("errors", state.ErrorsCount))
	return state, rep, nil
}

// settle assigns the terminal phase once the frontier loop stops. An
// emptied frontier with at least one crawled page is a clean finish; a
// budget stop still counts as done when enough targets were discovered,
// since partial results stay usable.
func (e *Engine) settle(state *crawl.SiteCrawlState) {
	now := e.clock.Now()
	switch {
	case len(state.Frontier) == 0 && state.PagesCrawled > 0:
		state.AdvancePhase(crawl.PhaseDone, now)
	case state.TargetsFound >= e.cfg.MinTargetsForDone:
		state.AdvancePhase(crawl.PhaseDone, now)
	default:
		if state.LastError == "" {
			state.LastError = "no pages crawled"
		}
		state.AdvancePhase(crawl.PhaseFailed, now)
	}
}

func (e *Engine) checkpoint(ctx context.Context, state *crawl.SiteCrawlState) error {
	if err := e.states.Checkpoint(ctx, state.Clone()); err != nil {
		return fmt.Errorf("checkpoint %s: %w", state.Domain, err)
	}
	return nil
}

// emit forwards evt to the progress hub. Events without run attribution
// are dropped; they would fail hub validation anyway.
func (e *Engine) emit(evt progress.Event) {
	if e.events == nil || evt.RunID == [16]byte{} {
		return
	}
	e.events.Emit(evt)
}

// aborted reports errors that should stop the whole crawl rather than
// burn a page from the domain's error budget: run budget exhaustion,
// a drained proxy pool, and cancellation.
func aborted(err error) bool {
	var budgetErr *crawl.BudgetError
	return errors.As(err, &budgetErr) ||
		errors.Is(err, crawl.ErrProxyExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
