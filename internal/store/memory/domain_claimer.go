package memory

import (
	"context"
	"sync"
	"time"

	"github.com/localscope/prospector/internal/crawl"
)

type domainClaim struct {
	owner   string
	expires time.Time
}

// DomainClaimer serializes per-domain crawling within one process. Claims
// expire after their TTL so a crashed worker cannot wedge a domain.
type DomainClaimer struct {
	mu      sync.Mutex
	clock   crawl.Clock
	claims  map[string]domainClaim
	crawled map[string]time.Time
}

// NewDomainClaimer constructs a DomainClaimer.
func NewDomainClaimer(clk crawl.Clock) *DomainClaimer {
	return &DomainClaimer{
		clock:   orSystemClock(clk),
		claims:  make(map[string]domainClaim),
		crawled: make(map[string]time.Time),
	}
}

// Acquire takes the domain for owner. Re-acquiring a claim you already hold
// extends its TTL.
func (c *DomainClaimer) Acquire(_ context.Context, domain, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	claim, held := c.claims[domain]
	if held && claim.owner != owner && claim.expires.After(now) {
		return false, nil
	}
	c.claims[domain] = domainClaim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release drops the claim if owner still holds it.
func (c *DomainClaimer) Release(_ context.Context, domain, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if claim, held := c.claims[domain]; held && claim.owner == owner {
		delete(c.claims, domain)
	}
	return nil
}

// MarkCrawled records that domain finished a crawl so reruns inside the TTL
// can skip it.
func (c *DomainClaimer) MarkCrawled(_ context.Context, domain string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crawled[domain] = c.clock.Now().Add(ttl)
	return nil
}

// RecentlyCrawled reports whether domain finished a crawl within the mark
// TTL.
func (c *DomainClaimer) RecentlyCrawled(_ context.Context, domain string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.crawled[domain]
	if !ok {
		return false, nil
	}
	if !expires.After(c.clock.Now()) {
		delete(c.crawled, domain)
		return false, nil
	}
	return true, nil
}
