package headless

import (
	"context"
	"errors"

	"github.com/localscope/prospector/internal/crawl"
)

// Noop stands in when rendering is disabled or Chrome is unavailable. Every
// Fetch fails, so callers keep the static response they already hold.
type Noop struct{}

// NewNoop returns the always failing renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch reports that rendering is unavailable.
func (Noop) Fetch(context.Context, crawl.FetchRequest) (crawl.FetchResponse, error) {
	return crawl.FetchResponse{}, errors.New("headless fetcher not configured")
}
