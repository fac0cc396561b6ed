// Package redis provides the Redis-backed domain claimer that keeps two
// workers from crawling the same site at once.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	claimPrefix   = "domain_claim:"
	crawledPrefix = "domain_crawled:"
)

// DomainClaimer serializes per-domain crawling across workers with SETNX
// leases. A claim expires on its own if the holder dies, so a crashed worker
// never wedges a domain.
type DomainClaimer struct {
	client *redis.Client
}

// NewDomainClaimer connects a claimer to the Redis instance at addr.
func NewDomainClaimer(addr string) *DomainClaimer {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &DomainClaimer{client: rdb}
}

// NewDomainClaimerWithClient wraps an existing client, mainly for tests.
func NewDomainClaimerWithClient(client *redis.Client) *DomainClaimer {
	return &DomainClaimer{client: client}
}

// Ping checks connectivity.
func (c *DomainClaimer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *DomainClaimer) Close() error {
	return c.client.Close()
}

// Acquire takes the claim on domain for owner. Re-acquiring a claim the
// owner already holds extends its TTL.
func (c *DomainClaimer) Acquire(ctx context.Context, domain, owner string, ttl time.Duration) (bool, error) {
	key := claimKey(domain)
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire claim on %s: %w", domain, err)
	}
	if ok {
		return true, nil
	}
	holder, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The claim expired between SETNX and GET; take it now.
		ok, err = c.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire claim on %s: %w", domain, err)
		}
		return ok, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claim on %s: %w", domain, err)
	}
	if holder != owner {
		return false, nil
	}
	if err := c.client.Set(ctx, key, owner, ttl).Err(); err != nil {
		return false, fmt.Errorf("extend claim on %s: %w", domain, err)
	}
	return true, nil
}

// Release drops the claim if owner still holds it. Releasing someone else's
// claim is a no-op.
func (c *DomainClaimer) Release(ctx context.Context, domain, owner string) error {
	key := claimKey(domain)
	holder, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read claim on %s: %w", domain, err)
	}
	if holder != owner {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release claim on %s: %w", domain, err)
	}
	return nil
}

// MarkCrawled records that domain finished a crawl so reruns inside the TTL
// can skip it.
func (c *DomainClaimer) MarkCrawled(ctx context.Context, domain string, ttl time.Duration) error {
	return c.client.Set(ctx, crawledKey(domain), "1", ttl).Err()
}

// RecentlyCrawled reports whether domain finished a crawl within the mark
// TTL.
func (c *DomainClaimer) RecentlyCrawled(ctx context.Context, domain string) (bool, error) {
	val, err := c.client.Exists(ctx, crawledKey(domain)).Result()
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

func claimKey(domain string) string {
	return fmt.Sprintf("%s%s", claimPrefix, domain)
}

func crawledKey(domain string) string {
	return fmt.Sprintf("%s%s", crawledPrefix, domain)
}
