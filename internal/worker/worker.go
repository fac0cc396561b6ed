// Package worker implements the claim-and-crawl loop. A worker claims
// targets from the shared queue, discovers candidate listings for each one,
// drives the site crawls for their domains and hands listing plus evidence
// to the verification consumer. Every run ends with a persisted summary,
// whether it finishes cleanly, trips a budget cap, or is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/discovery"
	uuidgen "github.com/localscope/prospector/internal/id/uuid"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/progress"
	"github.com/localscope/prospector/internal/sitecrawl"
)

// Stop reasons recorded in the run summary. Budget stops carry the
// governor's own reason text instead.
const (
	StopCanceled     = "canceled"
	StopQueueDrained = "queue drained"
	StopMaxTargets   = "max targets"
	StopProxyStall   = "proxy pool exhausted"
	StopDraining     = "draining"
	StopPanic        = "panic"
)

// Gate paces the worker's operations and accounts the run budget. The
// adaptive governor implements it.
type Gate interface {
	Authorize(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
	RecordBlock()
	Reset()
	Stats() (operations, successes, failures int)
}

// SiteCrawler drives one domain to a terminal phase.
type SiteCrawler interface {
	Crawl(ctx context.Context, seed sitecrawl.Seed) (crawl.SiteCrawlState, sitecrawl.Report, error)
}

// Emitter receives progress milestones; the progress hub implements it.
type Emitter interface {
	Emit(evt progress.Event)
}

// Config controls one worker's run loop.
type Config struct {
	// ID names the worker in claims, summaries and events.
	ID string
	// MaxTargets caps how many targets one run may claim; zero means
	// unlimited.
	MaxTargets int
	// IdlePoll is how long to wait before re-polling an empty queue.
	IdlePoll time.Duration
	// ClaimTTL bounds how long this worker's domain claims stay valid.
	ClaimTTL time.Duration
	// RecrawlTTL is how long a finished domain stays exempt from
	// re-crawling.
	RecrawlTTL time.Duration
	// ExitWhenIdle ends the run when the queue drains instead of polling,
	// for batch-style invocations.
	ExitWhenIdle bool
}

func (c Config) normalized() Config {
	if c.IdlePoll <= 0 {
		c.IdlePoll = 15 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 10 * time.Minute
	}
	if c.RecrawlTTL <= 0 {
		c.RecrawlTTL = 7 * 24 * time.Hour
	}
	return c
}

// Options carries the worker's collaborators. Everything except Quit, IDs,
// Events, Clock and Logger is required.
type Options struct {
	Targets  crawl.TargetStore
	Listings crawl.ListingStore
	Runs     crawl.RunStore
	Claims   crawl.DomainClaimer
	Source   discovery.Source
	Crawler  SiteCrawler
	Verify   crawl.VerifyQueue
	Gate     Gate
	// Quit is the pool's soft-stop signal: once it closes, the worker
	// finishes its current target and exits instead of claiming more.
	Quit   <-chan struct{}
	IDs    crawl.IDGenerator
	Events Emitter
	Clock  crawl.Clock
	Logger *zap.Logger
}

// Worker executes crawl runs against the shared target queue. One Worker
// runs one loop at a time; the partition manager starts several.
type Worker struct {
	cfg      Config
	targets  crawl.TargetStore
	listings crawl.ListingStore
	runs     crawl.RunStore
	claims   crawl.DomainClaimer
	source   discovery.Source
	crawler  SiteCrawler
	verify   crawl.VerifyQueue
	gate     Gate
	quit     <-chan struct{}
	ids      crawl.IDGenerator
	events   Emitter
	clock    crawl.Clock
	logger   *zap.Logger
}

// New constructs a Worker from cfg and opts.
func New(cfg Config, opts Options) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker: id is required")
	}
	if opts.Targets == nil {
		return nil, errors.New("worker: target store is required")
	}
	if opts.Listings == nil {
		return nil, errors.New("worker: listing store is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("worker: run store is required")
	}
	if opts.Claims == nil {
		return nil, errors.New("worker: domain claimer is required")
	}
	if opts.Source == nil {
		return nil, errors.New("worker: discovery source is required")
	}
	if opts.Crawler == nil {
		return nil, errors.New("worker: site crawler is required")
	}
	if opts.Verify == nil {
		return nil, errors.New("worker: verify queue is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("worker: gate is required")
	}
	if opts.IDs == nil {
		opts.IDs = uuidgen.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg.normalized(),
		targets:  opts.Targets,
		listings: opts.Listings,
		runs:     opts.Runs,
		claims:   opts.Claims,
		source:   opts.Source,
		crawler:  opts.Crawler,
		verify:   opts.Verify,
		gate:     opts.Gate,
		quit:     opts.Quit,
		ids:      opts.IDs,
		events:   opts.Events,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("worker_id", cfg.ID)),
	}, nil
}

// Run executes one worker run: claim, discover, crawl, hand off, repeat,
// until the context ends, a budget cap fires, or the queue drains in
// batch mode. The returned summary is also persisted to the run store, on
// panic and cancellation included.
func (w *Worker) Run(ctx context.Context) (sum crawl.RunSummary, err error) {
	runID, idErr := w.ids.NewID()
	if idErr != nil {
		return sum, fmt.Errorf("mint run id: %w", idErr)
	}

	sum = crawl.RunSummary{
		RunID:     runID,
		WorkerID:  w.cfg.ID,
		StartedAt: w.clock.Now(),
	}

	// Each run spends a fresh budget.
	w.gate.Reset()

	if startErr := w.runs.StartRun(ctx, sum); startErr != nil {
		return sum, fmt.Errorf("start run %s: %w", runID, startErr)
	}

	metrics.IncActiveWorkers()
	w.emit(&sum, progress.Event{Stage: progress.StageRunStart})
	w.logger.Info("run started", zap.String("run_id", runID.String()))

	defer func() {
		if r := recover(); r != nil {
			sum.StopReason = StopPanic
			w.finishRun(ctx, &sum)
			panic(r)
		}
		w.finishRun(ctx, &sum)
	}()

	w.loop(ctx, &sum)
	return sum, nil
}

// finishRun stamps the final accounting and persists the summary. It runs
// on every exit path, so the context may already be dead.
func (w *Worker) finishRun(ctx context.Context, sum *crawl.RunSummary) {
	finished := w.clock.Now()
	sum.FinishedAt = &finished
	sum.Operations, sum.Successes, sum.Failures = w.gate.Stats()

	if err := w.runs.CompleteRun(context.WithoutCancel(ctx), *sum); err != nil {
		w.logger.Error("complete run failed",
			zap.String("run_id", sum.RunID.String()),
			zap.Error(err))
	}
	w.emit(sum, progress.Event{
		Stage: progress.StageRunDone,
		TS:    finished,
		Dur:   finished.Sub(sum.StartedAt),
		Note:  sum.StopReason,
	})
	metrics.DecActiveWorkers()

	w.logger.Info("run finished",
		zap.String("run_id", sum.RunID.String()),
		zap.String("stop_reason", sum.StopReason),
		zap.Int("targets_done", sum.TargetsDone),
		zap.Int("targets_failed", sum.TargetsFailed),
		zap.Int("domains_crawled", sum.DomainsCrawled),
		zap.Int("pages_fetched", sum.PagesFetched),
		zap.Int("listings_found", sum.ListingsFound))
}

func (w *Worker) loop(ctx context.Context, sum *crawl.RunSummary) {
	for {
		if ctx.Err() != nil {
			sum.StopReason = StopCanceled
			return
		}
		if w.draining() {
			sum.StopReason = StopDraining
			return
		}
		if w.cfg.MaxTargets > 0 && sum.TargetsClaimed >= w.cfg.MaxTargets {
			sum.StopReason = StopMaxTargets
			return
		}

		w.emit(sum, progress.Event{Stage: progress.StageRunHB})

		target, err := w.targets.Claim(ctx, w.cfg.ID)
		if errors.Is(err, crawl.ErrNoTargets) {
			if w.cfg.ExitWhenIdle {
				sum.StopReason = StopQueueDrained
				return
			}
			w.logger.Debug("queue empty, idling", zap.Duration("poll", w.cfg.IdlePoll))
			if !w.sleep(ctx, w.cfg.IdlePoll) {
				sum.StopReason = StopCanceled
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				sum.StopReason = StopCanceled
				return
			}
			w.logger.Error("claim failed", zap.Error(err))
			if !w.sleep(ctx, w.cfg.IdlePoll) {
				sum.StopReason = StopCanceled
				return
			}
			continue
		}

		sum.TargetsClaimed++
		w.emit(sum, progress.Event{Stage: progress.StageTargetClaimed, Target: target.Key()})
		w.logger.Info("target claimed",
			zap.String("target", target.Key()),
			zap.Int("attempt", target.Attempts))

		if stop := w.processTarget(ctx, target, sum); stop != nil {
			sum.StopReason = stopReason(stop)
			return
		}
	}
}

// processTarget discovers listings for target and crawls their domains. The
// returned error is non-nil only for run-stopping causes; in that case the
// target has already been requeued. Target-level failures are absorbed into
// the summary and return nil.
func (w *Worker) processTarget(ctx context.Context, target crawl.CrawlTarget, sum *crawl.RunSummary) error {
	listings, err := w.discover(ctx, target, sum)
	if err != nil {
		if stops(err) {
			w.failTarget(ctx, target, sum, stopReason(err), true)
			return err
		}
		w.failTarget(ctx, target, sum, err.Error(), false)
		return nil
	}

	sum.ListingsFound += len(listings)
	w.logger.Info("listings discovered",
		zap.String("target", target.Key()),
		zap.Int("count", len(listings)))

	crawled, failed := 0, 0
	for _, listing := range listings {
		if err := w.storeListing(ctx, target, listing, sum); err != nil {
			w.logger.Error("store listing failed",
				zap.String("name", listing.Name),
				zap.Error(err))
			continue
		}
		if listing.Domain == "" {
			// Nothing to crawl; the listing stays unverified until a
			// website shows up for it.
			continue
		}

		outcome, err := w.crawlDomain(ctx, listing, sum)
		if err != nil {
			w.failTarget(ctx, target, sum, stopReason(err), true)
			return err
		}
		switch outcome {
		case domainCrawled:
			crawled++
		case domainFailed:
			failed++
		}
	}

	// A failed domain does not fail the target; only all of them failing
	// does.
	if failed > 0 && crawled == 0 {
		w.failTarget(ctx, target, sum, "all domains failed", false)
		return nil
	}
	w.completeTarget(ctx, target, sum)
	return nil
}

// discover runs the directory search for target as one governed operation.
func (w *Worker) discover(ctx context.Context, target crawl.CrawlTarget, sum *crawl.RunSummary) ([]crawl.Listing, error) {
	if err := w.gate.Authorize(ctx); err != nil {
		return nil, err
	}

	listings, err := w.source.Search(ctx, target)
	if err != nil {
		class := crawl.Classify(err)
		if class == crawl.ClassBlocked {
			w.gate.RecordBlock()
		} else {
			w.gate.RecordFailure()
		}
		sum.CountError(class)
		metrics.ObserveError(string(class))
		return nil, fmt.Errorf("discover %s: %w", target.Key(), err)
	}
	w.gate.RecordSuccess()
	return listings, nil
}

func (w *Worker) storeListing(ctx context.Context, target crawl.CrawlTarget, listing crawl.Listing, sum *crawl.RunSummary) error {
	if err := w.listings.UpsertListing(ctx, listing); err != nil {
		return fmt.Errorf("upsert listing %q: %w", listing.Name, err)
	}
	w.emit(sum, progress.Event{
		Stage:     progress.StageListingFound,
		Target:    target.Key(),
		Domain:    listing.Domain,
		ListingID: progress.UUIDToBytes(listing.ID),
		Score:     listing.DiscoveryConfidence,
		Note:      listing.Name,
	})
	return nil
}

type domainOutcome int

const (
	domainSkipped domainOutcome = iota
	domainCrawled
	domainFailed
)

// crawlDomain claims the listing's domain, drives its site crawl and hands
// the evidence to verification. Skips are silent successes: a recently
// crawled domain or one claimed by another worker counts neither way.
func (w *Worker) crawlDomain(ctx context.Context, listing crawl.Listing, sum *crawl.RunSummary) (domainOutcome, error) {
	logger := w.logger.With(zap.String("domain", listing.Domain))

	recent, err := w.claims.RecentlyCrawled(ctx, listing.Domain)
	if err != nil {
		logger.Warn("recently-crawled check failed", zap.Error(err))
	}
	if recent {
		logger.Debug("domain crawled recently, skipping")
		return domainSkipped, nil
	}

	ok, err := w.claims.Acquire(ctx, listing.Domain, w.cfg.ID, w.cfg.ClaimTTL)
	if err != nil {
		logger.Warn("domain claim failed", zap.Error(err))
		return domainSkipped, nil
	}
	if !ok {
		logger.Debug("domain claimed elsewhere, skipping")
		return domainSkipped, nil
	}
	defer func() {
		if err := w.claims.Release(context.WithoutCancel(ctx), listing.Domain, w.cfg.ID); err != nil {
			logger.Warn("domain release failed", zap.Error(err))
		}
	}()

	state, rep, err := w.crawler.Crawl(ctx, sitecrawl.Seed{
		Domain:       listing.Domain,
		Homepage:     listing.Website,
		ListingID:    listing.ID,
		Category:     listing.Category,
		BusinessName: listing.Name,
		RunID:        sum.RunID,
		WorkerID:     w.cfg.ID,
	})
	sum.PagesFetched += rep.Pages
	if err != nil {
		sum.CountError(crawl.Classify(err))
		return domainSkipped, err
	}

	if state.Phase != crawl.PhaseDone {
		sum.DomainsFailed++
		logger.Info("domain crawl failed",
			zap.Int("errors", state.ErrorsCount),
			zap.String("last_error", state.LastError))
		return domainFailed, nil
	}

	sum.DomainsCrawled++
	if err := w.claims.MarkCrawled(ctx, listing.Domain, w.cfg.RecrawlTTL); err != nil {
		logger.Warn("recrawl mark failed", zap.Error(err))
	}

	if err := w.verify.Enqueue(ctx, crawl.VerifyJob{
		RunID:    sum.RunID,
		WorkerID: w.cfg.ID,
		Listing:  listing,
		Evidence: state.Evidence,
	}); err != nil {
		logger.Error("verify enqueue failed", zap.Error(err))
		return domainCrawled, nil
	}
	sum.ListingsVerified++
	return domainCrawled, nil
}

func (w *Worker) completeTarget(ctx context.Context, target crawl.CrawlTarget, sum *crawl.RunSummary) {
	if err := w.targets.Complete(context.WithoutCancel(ctx), target.ID); err != nil {
		w.logger.Error("complete target failed",
			zap.String("target", target.Key()),
			zap.Error(err))
	}
	sum.TargetsDone++
	metrics.ObserveTarget("done")
	w.emit(sum, progress.Event{Stage: progress.StageTargetDone, Target: target.Key()})
}

// failTarget records the failure; with requeue the target returns to the
// pending queue for a later run instead of going terminal.
func (w *Worker) failTarget(ctx context.Context, target crawl.CrawlTarget, sum *crawl.RunSummary, reason string, requeue bool) {
	if err := w.targets.Fail(context.WithoutCancel(ctx), target.ID, reason, requeue); err != nil {
		w.logger.Error("fail target failed",
			zap.String("target", target.Key()),
			zap.Error(err))
	}
	if requeue {
		metrics.ObserveTarget("requeued")
	} else {
		sum.TargetsFailed++
		metrics.ObserveTarget("failed")
	}
	w.emit(sum, progress.Event{
		Stage:  progress.StageTargetFailed,
		Target: target.Key(),
		Note:   reason,
	})
}

// emit stamps run attribution on evt and hands it to the hub.
func (w *Worker) emit(sum *crawl.RunSummary, evt progress.Event) {
	if w.events == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(sum.RunID)
	evt.WorkerID = w.cfg.ID
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.events.Emit(evt)
}

// draining reports whether the soft-stop signal has fired.
func (w *Worker) draining() bool {
	if w.quit == nil {
		return false
	}
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// sleep waits d or until ctx ends, reporting whether the full wait
// completed. A soft stop ends the wait early but counts as completed so
// the loop falls through to the drain check.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	if w.quit != nil {
		select {
		case <-ctx.Done():
			return false
		case <-w.quit:
			return true
		case <-timer.C:
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// stops reports whether err must end the whole run rather than just the
// current target.
func stops(err error) bool {
	var budgetErr *crawl.BudgetError
	return errors.As(err, &budgetErr) ||
		errors.Is(err, crawl.ErrProxyExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// stopReason translates a run-stopping error into the summary's stop
// reason. Budget errors carry the governor's reason through unchanged.
func stopReason(err error) string {
	var budgetErr *crawl.BudgetError
	switch {
	case errors.As(err, &budgetErr):
		return budgetErr.Reason
	case errors.Is(err, crawl.ErrProxyExhausted):
		return StopProxyStall
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StopCanceled
	default:
		return err.Error()
	}
}
