// Package verify scores listings from crawl evidence and external signals,
// producing a pass/fail/unknown verdict and a quality tier.
package verify

import (
	"strings"

	"github.com/localscope/prospector/internal/classify"
	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
)

// Weights for the combination formula used when the discovery stage
// produced no confidence score. Listings without a discovery signal are
// judged on website content and external reputation alone.
const (
	noDiscoveryWebsiteWeight  = 0.7
	noDiscoveryExternalWeight = 0.3
)

// denyPenaltyStep is subtracted from the website score per directory-style
// marker, capped so deny hits alone cannot push a score below zero's reach
// of genuine service evidence.
const (
	denyPenaltyStep = 0.15
	denyPenaltyCap  = 0.6
)

// blendCap bounds how far an independent category judgment can move a
// combined score in either direction.
const blendCap = 0.1

// Config tunes the scoring weights and verdict thresholds.
type Config struct {
	WebsiteWeight   float64
	DiscoveryWeight float64
	ExternalWeight  float64
	PassThreshold   float64
	FailThreshold   float64
}

func (c Config) normalized() Config {
	if c.WebsiteWeight <= 0 && c.DiscoveryWeight <= 0 && c.ExternalWeight <= 0 {
		c.WebsiteWeight = 0.4
		c.DiscoveryWeight = 0.4
		c.ExternalWeight = 0.2
	}
	if c.PassThreshold <= 0 {
		c.PassThreshold = 0.75
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 0.35
	}
	return c
}

// Engine computes verification results. It is stateless and safe for
// concurrent use.
type Engine struct {
	cfg   Config
	clock crawl.Clock
}

// New creates an engine; a nil clock falls back to the system clock.
func New(cfg Config, clk crawl.Clock) *Engine {
	if clk == nil {
		clk = system.New()
	}
	return &Engine{cfg: cfg.normalized(), clock: clk}
}

// Verify scores one listing against the evidence its site crawl gathered.
func (e *Engine) Verify(listing crawl.Listing, evidence crawl.SiteEvidence) crawl.VerificationResult {
	scores := crawl.ScoreBreakdown{
		Website:   WebsiteScore(evidence),
		Discovery: clamp01(listing.DiscoveryConfidence),
		External:  ExternalScore(listing.Rating, listing.ReviewCount),
	}
	combined := e.Combine(scores)
	status, needsReview := e.status(combined)

	return crawl.VerificationResult{
		ListingID:   listing.ID,
		Combined:    combined,
		Scores:      scores,
		Status:      status,
		NeedsReview: needsReview,
		Tier:        TierFor(evidence),
		Signals: map[string]float64{
			"service_hits":    float64(totalHits(evidence.ServiceHits)),
			"service_breadth": float64(len(evidence.ServiceHits)),
			"context_hits":    float64(totalHits(evidence.ContextHits)),
			"deny_hits":       float64(evidence.DenyHits),
			"contact":         contactScore(evidence),
			"rating":          listing.Rating,
			"review_count":    float64(listing.ReviewCount),
		},
		VerifiedAt: e.clock.Now(),
	}
}

// Combine folds component scores into one. A present discovery confidence
// participates with its own weight; an absent one switches to the
// website/external formula instead of dragging the average down.
func (e *Engine) Combine(s crawl.ScoreBreakdown) float64 {
	if s.Discovery > 0 {
		return clamp01(e.cfg.DiscoveryWeight*s.Discovery +
			e.cfg.WebsiteWeight*s.Website +
			e.cfg.ExternalWeight*s.External)
	}
	return clamp01(noDiscoveryWebsiteWeight*s.Website +
		noDiscoveryExternalWeight*s.External)
}

func (e *Engine) status(combined float64) (crawl.VerificationStatus, bool) {
	switch {
	case combined >= e.cfg.PassThreshold:
		return crawl.VerificationPassed, false
	case combined <= e.cfg.FailThreshold:
		return crawl.VerificationFailed, false
	default:
		return crawl.VerificationUnknown, true
	}
}

// Blend folds an independent category judgment into a computed result. A
// judgment confirming the listing's category lifts the combined score in
// proportion to its confidence; a confident different label lowers it; an
// unknown label changes nothing. The verdict and review flag are recomputed
// from the shifted score, so a blend can move a listing across a threshold.
func (e *Engine) Blend(result crawl.VerificationResult, listing crawl.Listing, label string, confidence float64) crawl.VerificationResult {
	if label == "" || label == classify.Unknown {
		return result
	}
	shift := blendCap * clamp01(confidence)
	if !strings.EqualFold(label, listing.Category) {
		shift = -shift
	}
	result.Combined = clamp01(result.Combined + shift)
	result.Status, result.NeedsReview = e.status(result.Combined)
	if result.Signals == nil {
		result.Signals = make(map[string]float64)
	}
	result.Signals["judgment"] = shift
	return result
}

// Rescore recomputes a stored result's combined score and verdict under the
// engine's current weights and thresholds. Component scores keep their
// stored values and a recorded category-judgment shift is re-applied; the
// tier is unchanged because the underlying evidence is.
func (e *Engine) Rescore(result crawl.VerificationResult) crawl.VerificationResult {
	combined := e.Combine(result.Scores)
	if shift, ok := result.Signals["judgment"]; ok {
		combined = clamp01(combined + shift)
	}
	result.Combined = combined
	result.Status, result.NeedsReview = e.status(combined)
	result.VerifiedAt = e.clock.Now()
	return result
}

// WebsiteScore rates site content: service vocabulary density, service
// context markers, and contact details, minus a penalty per directory-style
// deny marker.
func WebsiteScore(evidence crawl.SiteEvidence) float64 {
	service := saturate(totalHits(evidence.ServiceHits), 6)
	context := saturate(totalHits(evidence.ContextHits), 4)
	contact := contactScore(evidence)

	score := 0.5*service + 0.3*context + 0.2*contact

	penalty := denyPenaltyStep * float64(evidence.DenyHits)
	if penalty > denyPenaltyCap {
		penalty = denyPenaltyCap
	}
	return clamp01(score - penalty)
}

// ExternalScore normalizes review reputation: the star rating dominates,
// review volume saturates at a count that marks an established business.
func ExternalScore(rating float64, reviewCount int) float64 {
	if rating <= 0 && reviewCount <= 0 {
		return 0
	}
	ratingPart := clamp01(rating / 5)
	volumePart := saturate(reviewCount, 25)
	if rating <= 0 {
		return volumePart
	}
	return clamp01(0.6*ratingPart + 0.4*volumePart)
}

// TierFor buckets a listing by breadth of service coverage and by
// residential/commercial context, independent of the numeric score.
func TierFor(evidence crawl.SiteEvidence) crawl.Tier {
	breadth := len(evidence.ServiceHits)
	residential := evidence.ContextHits["residential"] > 0
	commercial := evidence.ContextHits["commercial"] > 0

	switch {
	case breadth >= 3 && residential && commercial:
		return crawl.TierA
	case breadth >= 2 && (residential || commercial):
		return crawl.TierB
	case breadth >= 1:
		return crawl.TierC
	default:
		return crawl.TierD
	}
}

func contactScore(evidence crawl.SiteEvidence) float64 {
	score := 0.0
	if evidence.PhoneSeen {
		score += 0.5
	}
	if evidence.AddressSeen {
		score += 0.3
	}
	if evidence.NameSeen {
		score += 0.2
	}
	return score
}

func totalHits(hits map[string]int) int {
	total := 0
	for _, n := range hits {
		total += n
	}
	return total
}

func saturate(n, full int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= full {
		return 1
	}
	return float64(n) / float64(full)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
