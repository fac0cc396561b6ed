// Package memory provides in-memory store implementations for development
// and testing. All stores copy values on the way in and out, so callers
// never share mutable state with the store.
package memory

import (
	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
)

func orSystemClock(clk crawl.Clock) crawl.Clock {
	if clk == nil {
		return system.New()
	}
	return clk
}
