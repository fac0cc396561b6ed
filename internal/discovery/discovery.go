// Package discovery finds candidate listings for a crawl target by querying
// a business directory and parsing its search result pages.
//
// The parser understands common directory markup: result cards carrying a
// LocalBusiness microdata scope or a search-result class, with the business
// name, website link, phone, address, category tags, snippet, rating and
// review count in the usual itemprop or class-named slots. Sites that stray
// from that shape yield fewer fields, never an error.
package discovery

import (
	"context"

	"github.com/localscope/prospector/internal/crawl"
)

// Source produces candidate listings for one crawl target. Implementations
// must be safe for concurrent use.
type Source interface {
	Search(ctx context.Context, target crawl.CrawlTarget) ([]crawl.Listing, error)
}
