package sitecrawl

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/classify"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/extract"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/progress"
)

// recordPage folds one successful fetch into the state: evidence, link
// discovery, frontier growth, cursor and phase bookkeeping.
func (e *Engine) recordPage(ctx context.Context, state *crawl.SiteCrawlState, rep *Report, seed Seed, pageURL string, resp crawl.FetchResponse) {
	page, err := extract.Parse(resp.Body, pageURL)
	if err != nil {
		e.recordFailure(state, rep, seed, pageURL, resp, err)
		return
	}

	now := e.clock.Now()
	state.MarkVisited(pageURL)
	state.Cursor = pageURL
	state.PagesCrawled++
	rep.Pages++
	rep.Bytes += int64(len(resp.Body))

	evidence := e.buildEvidence(seed, page)
	if uri := e.snapshot(ctx, seed.Domain, resp); uri != "" {
		evidence.SnapshotURIs = []string{uri}
	}
	state.Evidence.Merge(evidence)

	candidates := make([]string, 0, len(page.Links))
	for _, link := range page.Links {
		candidates = append(candidates, link.URL)
		if link.Category != "" {
			state.AddDiscovered(link.Category, link.URL)
		}
	}
	fresh := 0
	for _, u := range candidates {
		if !state.Seen(u) {
			fresh++
		}
	}
	accepted := state.PushFrontier(candidates...)
	if dropped := fresh - accepted; dropped > 0 {
		metrics.ObserveFrontierDrop(dropped)
	}

	if state.Phase == crawl.PhaseParsingHome {
		state.AdvancePhase(crawl.PhaseCrawlingInternal, now)
	}
	state.UpdatedAt = now

	metrics.ObservePage(seed.Domain, "ok", len(resp.Body))
	e.emit(progress.Event{
		RunID:       progress.UUIDToBytes(seed.RunID),
		WorkerID:    seed.WorkerID,
		TS:          now,
		Stage:       progress.StagePageFetch,
		Domain:      seed.Domain,
		URL:         pageURL,
		Bytes:       int64(len(resp.Body)),
		Pages:       1,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	e.logger.Debug("page crawled",
		zap.String("url", pageURL),
		zap.Int("links", len(page.Links)),
		zap.Int("frontier", len(state.Frontier)))
}

// recordFailure burns one entry of the domain's error budget. The page is
// marked visited so a resume does not retry it.
func (e *Engine) recordFailure(state *crawl.SiteCrawlState, rep *Report, seed Seed, pageURL string, resp crawl.FetchResponse, err error) {
	state.MarkVisited(pageURL)
	state.ErrorsCount++
	state.LastError = err.Error()
	state.UpdatedAt = e.clock.Now()
	rep.Errors++

	class := crawl.Classify(err)
	metrics.ObserveError(string(class))
	metrics.ObservePage(seed.Domain, "error", 0)
	e.emit(progress.Event{
		RunID:       progress.UUIDToBytes(seed.RunID),
		WorkerID:    seed.WorkerID,
		TS:          state.UpdatedAt,
		Stage:       progress.StagePageFetch,
		Domain:      seed.Domain,
		URL:         pageURL,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
		Note:        string(class),
	})
	e.logger.Warn("page failed",
		zap.String("url", pageURL),
		zap.String("class", string(class)),
		zap.Error(err))
}

func (e *Engine) buildEvidence(seed Seed, page extract.Page) crawl.SiteEvidence {
	evidence := crawl.SiteEvidence{
		Title:       page.Title,
		ServiceHits: e.vocab.Hits(page.Text, seed.Category),
		ContextHits: classify.ContextHits(page.Text),
		DenyHits:    classify.DenyHits(page.Text),
		Phones:      page.Phones,
		Emails:      page.Emails,
		PhoneSeen:   len(page.Phones) > 0,
		AddressSeen: page.AddressSeen,
	}
	if seed.BusinessName != "" {
		name := strings.ToLower(seed.BusinessName)
		evidence.NameSeen = strings.Contains(strings.ToLower(page.Title), name) ||
			strings.Contains(strings.ToLower(page.Text), name)
	}
	return evidence
}

// snapshot archives the raw body keyed by content fingerprint, so
// identical bodies land on the same object and re-crawls stay idempotent.
func (e *Engine) snapshot(ctx context.Context, domain string, resp crawl.FetchResponse) string {
	if !e.cfg.SnapshotPages || e.blobs == nil || len(resp.Body) == 0 {
		return ""
	}
	digest, err := e.hasher.Hash(resp.Body)
	if err != nil {
		e.logger.Warn("snapshot fingerprint failed", zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%s.html", domain, digest)
	if e.cfg.SnapshotPrefix != "" {
		path = e.cfg.SnapshotPrefix + "/" + path
	}
	contentType := e.cfg.SnapshotContentType
	if contentType == "" {
		contentType = "text/html"
	}
	uri, err := e.blobs.PutObject(ctx, path, contentType, resp.Body)
	if err != nil {
		e.logger.Warn("snapshot upload failed", zap.String("domain", domain), zap.Error(err))
		return ""
	}
	return uri
}
