package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/localscope/prospector/internal/crawl"
)

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.calls++
	return crawl.FetchResponse{URL: req.URL, StatusCode: 200}, nil
}

func TestWrapFetcherPacesSameDomain(t *testing.T) {
	t.Parallel()

	inner := &countingFetcher{}
	wrapped := WrapFetcher(inner, New(Config{DefaultRPS: 10, DefaultBurst: 1}))
	ctx := context.Background()

	if _, err := wrapped.Fetch(ctx, crawl.FetchRequest{URL: "https://acme.example/a"}); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := wrapped.Fetch(ctx, crawl.FetchRequest{URL: "https://acme.example/b"}); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected second fetch delayed ~100ms, got %v", dur)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 delegated fetches, got %d", inner.calls)
	}
}

func TestWrapFetcherCancelledContext(t *testing.T) {
	t.Parallel()

	inner := &countingFetcher{}
	wrapped := WrapFetcher(inner, New(Config{DefaultRPS: 0.1, DefaultBurst: 1}))

	if _, err := wrapped.Fetch(context.Background(), crawl.FetchRequest{URL: "https://slow.example"}); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := wrapped.Fetch(cancelled, crawl.FetchRequest{URL: "https://slow.example"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if inner.calls != 1 {
		t.Errorf("inner fetcher called despite cancelled wait, calls=%d", inner.calls)
	}
}
