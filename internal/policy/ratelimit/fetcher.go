package ratelimit

import (
	"context"

	"github.com/localscope/prospector/internal/crawl"
)

// Fetcher decorates an inner crawl.Fetcher so every request first takes a
// token from its target domain's bucket. It gives each host a politeness
// floor independent of the adaptive pacing above it.
type Fetcher struct {
	inner   crawl.Fetcher
	limiter *Limiter
}

// WrapFetcher returns inner paced by limiter.
func WrapFetcher(inner crawl.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{inner: inner, limiter: limiter}
}

// Fetch waits for the domain's token, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return crawl.FetchResponse{}, err
	}
	return f.inner.Fetch(ctx, req)
}
