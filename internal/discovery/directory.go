package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
)

// Config points the source at a directory and bounds its appetite.
type Config struct {
	BaseURL       string
	MaxPages      int
	RatePerSecond float64
	Burst         int
}

func (c Config) normalized() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 3
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSecond)
}

// Options carries the source's collaborators. Fetcher and IDs are required;
// Clock and Logger default to system implementations.
type Options struct {
	Fetcher crawl.Fetcher
	IDs     crawl.IDGenerator
	Clock   crawl.Clock
	Logger  *zap.Logger
}

// Directory is a Source backed by a business directory's search pages.
type Directory struct {
	cfg        Config
	fetcher    crawl.Fetcher
	ids        crawl.IDGenerator
	clock      crawl.Clock
	logger     *zap.Logger
	limiter    *rate.Limiter
	selfDomain string
}

// NewDirectory creates a directory source from cfg and opts.
func NewDirectory(cfg Config, opts Options) (*Directory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("discovery: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("discovery: parse base url: %w", err)
	}
	if opts.Fetcher == nil {
		return nil, errors.New("discovery: fetcher is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("discovery: id generator is required")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	selfDomain := ""
	if domain, err := crawl.Domain(cfg.BaseURL); err == nil {
		selfDomain = domain
	}
	return &Directory{
		cfg:        cfg,
		fetcher:    opts.Fetcher,
		ids:        opts.IDs,
		clock:      opts.Clock,
		logger:     opts.Logger,
		limiter:    rate.NewLimiter(cfg.limit(), cfg.Burst),
		selfDomain: selfDomain,
	}, nil
}

// Search walks the directory's result pages for the target's category and
// place, up to MaxPages, and returns the parsed candidates with a discovery
// confidence attached. Pagination stops early at the first empty page. A
// failure on the first page is an error; on later pages it ends pagination
// with whatever was collected.
func (d *Directory) Search(ctx context.Context, target crawl.CrawlTarget) ([]crawl.Listing, error) {
	var listings []crawl.Listing
	seen := make(map[string]bool)

	for page := 1; page <= d.cfg.MaxPages; page++ {
		pageURL, err := d.pageURL(target, page)
		if err != nil {
			return listings, err
		}

		cards, err := d.fetchPage(ctx, pageURL)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			d.logger.Warn("directory page failed, stopping pagination",
				zap.Int("page", page),
				zap.String("target", target.Key()),
				zap.Error(err))
			break
		}
		if len(cards) == 0 {
			d.logger.Debug("directory page empty",
				zap.Int("page", page),
				zap.String("target", target.Key()))
			break
		}

		for _, card := range cards {
			if card.Name == "" {
				continue
			}
			key := card.dedupeKey()
			if seen[key] {
				continue
			}
			seen[key] = true

			listing, err := d.toListing(card, target)
			if err != nil {
				return listings, err
			}
			listings = append(listings, listing)
		}

		d.logger.Debug("directory page parsed",
			zap.Int("page", page),
			zap.Int("cards", len(cards)),
			zap.Int("collected", len(listings)))
	}

	return listings, nil
}

// pageURL builds the search URL for one result page. The category and place
// ride in find_desc/find_loc query parameters; page one has no page
// parameter so it matches the directory's canonical first-page URL.
func (d *Directory) pageURL(target crawl.CrawlTarget, page int) (string, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("find_desc", target.Category)
	q.Set("find_loc", target.Locality+", "+target.Region)
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Directory) fetchPage(ctx context.Context, pageURL string) ([]Card, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("directory rate wait: %w", err)
	}

	resp, err := d.fetcher.Fetch(ctx, crawl.FetchRequest{URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("fetch directory page: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("directory page %s: status %d", pageURL, resp.StatusCode)
	}

	cards, err := ParseCards(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse directory page: %w", err)
	}
	return cards, nil
}

func (d *Directory) toListing(card Card, target crawl.CrawlTarget) (crawl.Listing, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return crawl.Listing{}, fmt.Errorf("mint listing id: %w", err)
	}

	website := card.Website
	domain := ""
	if website != "" {
		if parsed, err := crawl.Domain(website); err == nil {
			domain = parsed
		}
		// A link back to the directory's own host is a profile page, not
		// the business's website.
		if domain != "" && domain == d.selfDomain {
			website, domain = "", ""
		}
	}

	now := d.clock.Now()
	return crawl.Listing{
		ID:                  id,
		TargetID:            target.ID,
		Name:                card.Name,
		Website:             website,
		Domain:              domain,
		Phone:               card.Phone,
		Address:             card.Address,
		Region:              target.Region,
		Locality:            target.Locality,
		Category:            target.Category,
		Tags:                card.Tags,
		Snippets:            card.Snippets,
		Source:              "directory",
		DiscoveryConfidence: Confidence(card, target),
		Rating:              card.Rating,
		ReviewCount:         card.ReviewCount,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}
