package sitecrawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/metrics"
)

// fetchPage fetches one URL, retrying transient failures with backoff.
// Every attempt is separately authorized by the gate and issued its own
// proxy identity.
func (e *Engine) fetchPage(ctx context.Context, seed Seed, pageURL string) (crawl.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := e.fetchOnce(ctx, seed, pageURL)
		if err == nil {
			return resp, nil
		}
		if !e.retry.ShouldRetry(err, attempt) {
			return resp, err
		}

		backoff := e.retry.Backoff(attempt)
		e.logger.Debug("retrying page",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) fetchOnce(ctx context.Context, seed Seed, pageURL string) (crawl.FetchResponse, error) {
	if err := e.gate.Authorize(ctx); err != nil {
		return crawl.FetchResponse{}, err
	}

	lease, err := e.proxies.Checkout()
	if err != nil {
		metrics.ObserveProxyCheckout("exhausted")
		e.gate.RecordFailure()
		e.observeDelay(seed.Domain)
		return crawl.FetchResponse{}, err
	}
	if lease.Direct() {
		metrics.ObserveProxyCheckout("direct")
	} else {
		metrics.ObserveProxyCheckout("proxy")
	}

	resp, err := e.fetcher.Fetch(ctx, crawl.FetchRequest{
		URL:       pageURL,
		ProxyURL:  lease.ProxyURL,
		UserAgent: lease.UserAgent,
	})
	if err != nil {
		if errors.Is(err, crawl.ErrRobotsDisallowed) {
			// Nothing was fetched; neither the proxy nor the pace
			// streak learns anything from a robots denial.
			return crawl.FetchResponse{}, err
		}
		e.proxies.ReportFailure(lease)
		e.gate.RecordFailure()
		e.observeDelay(seed.Domain)
		return crawl.FetchResponse{}, err
	}

	if blockErr := e.blocks.Check(resp); blockErr != nil {
		e.proxies.ReportFailure(lease)
		e.gate.RecordBlock()
		e.observeDelay(seed.Domain)
		return resp, blockErr
	}

	switch {
	case resp.StatusCode >= 500:
		e.proxies.ReportFailure(lease)
		e.gate.RecordFailure()
		e.observeDelay(seed.Domain)
		return resp, &crawl.TransientError{
			Op:  "fetch " + pageURL,
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		// Client errors are the site's answer, not a connectivity
		// problem; don't burn retries or punish the proxy.
		e.gate.RecordSuccess()
		e.observeDelay(seed.Domain)
		return resp, &crawl.ParseError{
			URL: pageURL,
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	resp = e.maybeRender(ctx, pageURL, resp)
	e.proxies.ReportSuccess(lease)
	e.gate.RecordSuccess()
	e.observeDelay(seed.Domain)
	return resp, nil
}

// maybeRender refetches a page with the headless browser when the static
// body looks like a client-rendered shell. Render problems fall back to
// the static body rather than failing the page.
func (e *Engine) maybeRender(ctx context.Context, pageURL string, static crawl.FetchResponse) crawl.FetchResponse {
	if e.renderer == nil || e.promoter == nil || !e.promoter.ShouldPromote(static) {
		return static
	}
	if err := e.gate.Authorize(ctx); err != nil {
		return static
	}

	rendered, err := e.renderer.Fetch(ctx, crawl.FetchRequest{
		URL:       pageURL,
		UserAgent: e.cfg.UserAgent,
		Render:    true,
	})
	if err != nil {
		e.gate.RecordFailure()
		e.logger.Warn("rendered fetch failed, keeping static body",
			zap.String("url", pageURL), zap.Error(err))
		return static
	}
	e.gate.RecordSuccess()
	return rendered
}

func (e *Engine) observeDelay(domain string) {
	metrics.ObserveGovernorDelay(domain, e.gate.Delay())
}
