package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/progress"
)

// dequeueRetreat is how long the verifier backs off after an unexpected
// dequeue error before trying again.
const dequeueRetreat = time.Second

// Scorer turns a crawled listing and its site evidence into a verdict. The
// verification engine implements it.
type Scorer interface {
	Verify(listing crawl.Listing, evidence crawl.SiteEvidence) crawl.VerificationResult
}

// judgmentBlender is the optional Scorer extension that folds an
// independent category judgment into the verdict.
type judgmentBlender interface {
	Blend(result crawl.VerificationResult, listing crawl.Listing, label string, confidence float64) crawl.VerificationResult
}

// VerifierConfig controls the verification consumer.
type VerifierConfig struct {
	// Topic names the downstream destination for passed listings; empty
	// disables publishing.
	Topic string
}

// VerifierOptions carries the consumer's collaborators. Queue, Scorer and
// Listings are required; the rest are optional. A Classifier provides a
// second opinion on the listing's category that the scorer blends into the
// verdict.
type VerifierOptions struct {
	Queue      crawl.VerifyQueue
	Scorer     Scorer
	Listings   crawl.ListingStore
	Classifier crawl.Classifier
	Publisher  crawl.Publisher
	Events     Emitter
	Clock      crawl.Clock
	Logger     *zap.Logger
}

// Verifier consumes verify jobs from the queue, scores each listing against
// its evidence, persists the verdict and publishes passed listings
// downstream.
type Verifier struct {
	cfg        VerifierConfig
	queue      crawl.VerifyQueue
	scorer     Scorer
	listings   crawl.ListingStore
	classifier crawl.Classifier
	publisher  crawl.Publisher
	events     Emitter
	clock      crawl.Clock
	logger     *zap.Logger
}

// NewVerifier constructs a Verifier from cfg and opts.
func NewVerifier(cfg VerifierConfig, opts VerifierOptions) (*Verifier, error) {
	if opts.Queue == nil {
		return nil, errors.New("worker: verify queue is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("worker: scorer is required")
	}
	if opts.Listings == nil {
		return nil, errors.New("worker: listing store is required")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Verifier{
		cfg:        cfg,
		queue:      opts.Queue,
		scorer:     opts.Scorer,
		listings:   opts.Listings,
		classifier: opts.Classifier,
		publisher:  opts.Publisher,
		events:     opts.Events,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// Run consumes jobs until the context ends or the queue closes and drains.
func (v *Verifier) Run(ctx context.Context) error {
	for {
		job, err := v.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawl.ErrQueueClosed) {
				return nil
			}
			v.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueRetreat):
			}
			continue
		}
		v.process(ctx, job)
	}
}

func (v *Verifier) process(ctx context.Context, job crawl.VerifyJob) {
	result := v.score(ctx, job)

	if err := v.listings.SaveVerification(ctx, result); err != nil {
		v.logger.Error("save verification failed",
			zap.String("listing_id", job.Listing.ID.String()),
			zap.Error(err))
		return
	}

	metrics.ObserveVerification(string(result.Status), string(result.Tier))
	v.emit(job, progress.Event{
		Stage:     progress.StageListingVerified,
		Domain:    job.Listing.Domain,
		ListingID: progress.UUIDToBytes(job.Listing.ID),
		Score:     result.Combined,
		Note:      string(result.Status),
	})

	v.logger.Info("listing verified",
		zap.String("listing_id", job.Listing.ID.String()),
		zap.String("name", job.Listing.Name),
		zap.String("status", string(result.Status)),
		zap.String("tier", string(result.Tier)),
		zap.Float64("combined", result.Combined),
		zap.Bool("needs_review", result.NeedsReview))

	if result.Status == crawl.VerificationPassed {
		v.publish(ctx, job.Listing, result)
	}
}

// score runs the base verdict and, when a classifier is wired, asks it for
// an independent category judgment to blend in. A classifier failure keeps
// the base verdict; a verdict is never lost to an unavailable model.
func (v *Verifier) score(ctx context.Context, job crawl.VerifyJob) crawl.VerificationResult {
	result := v.scorer.Verify(job.Listing, job.Evidence)
	if v.classifier == nil {
		return result
	}
	blender, ok := v.scorer.(judgmentBlender)
	if !ok {
		return result
	}
	text := judgmentText(job.Listing, job.Evidence)
	if text == "" {
		return result
	}
	label, confidence, err := v.classifier.Classify(ctx, text)
	if err != nil {
		v.logger.Warn("classifier judgment failed",
			zap.String("listing_id", job.Listing.ID.String()),
			zap.Error(err))
		return result
	}
	return blender.Blend(result, job.Listing, label, confidence)
}

// judgmentText assembles the free text the classifier judges: the crawled
// site title plus what the discovery stage captured about the business.
func judgmentText(listing crawl.Listing, evidence crawl.SiteEvidence) string {
	parts := make([]string, 0, 2+len(listing.Tags)+len(listing.Snippets))
	if evidence.Title != "" {
		parts = append(parts, evidence.Title)
	}
	if listing.Name != "" {
		parts = append(parts, listing.Name)
	}
	parts = append(parts, listing.Tags...)
	parts = append(parts, listing.Snippets...)
	return strings.Join(parts, "\n")
}

func (v *Verifier) publish(ctx context.Context, listing crawl.Listing, result crawl.VerificationResult) {
	if v.publisher == nil || v.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"listing_id":  listing.ID.String(),
		"name":        listing.Name,
		"website":     listing.Website,
		"domain":      listing.Domain,
		"phone":       listing.Phone,
		"region":      listing.Region,
		"locality":    listing.Locality,
		"category":    listing.Category,
		"combined":    result.Combined,
		"tier":        string(result.Tier),
		"verified_at": result.VerifiedAt.Format(time.RFC3339),
	}
	if _, err := v.publisher.Publish(ctx, v.cfg.Topic, payload); err != nil {
		v.logger.Error("publish verified listing failed",
			zap.String("listing_id", listing.ID.String()),
			zap.Error(err))
		return
	}
	v.logger.Debug("verified listing published",
		zap.String("listing_id", listing.ID.String()),
		zap.String("topic", v.cfg.Topic))
}

// emit attributes evt to the run that produced the job. Jobs without run
// attribution, such as API re-verifications, emit nothing.
func (v *Verifier) emit(job crawl.VerifyJob, evt progress.Event) {
	if v.events == nil || job.RunID == uuid.Nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(job.RunID)
	evt.WorkerID = job.WorkerID
	evt.TS = v.clock.Now()
	v.events.Emit(evt)
}
