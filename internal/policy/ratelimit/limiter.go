// Package ratelimit gives every crawled domain a politeness floor: one token
// bucket per domain, shared by static and rendered fetches, independent of
// the adaptive pacing the governor layers on top.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/localscope/prospector/internal/crawl"
)

// Config holds the bucket defaults applied to every new domain.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter hands out tokens per registrable domain. Case and www prefixes
// are normalized away so one site cannot end up with two buckets.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New builds a Limiter. A non-positive RPS disables pacing; burst is at
// least one so a token is always obtainable.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets:      make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until the domain of rawURL has a token or ctx ends. URLs that
// do not parse share the "unknown" bucket rather than escaping pacing.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	key := "unknown"
	if domain, err := crawl.Domain(rawURL); err == nil && domain != "" {
		key = domain
	}
	if err := l.bucket(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// bucket returns the domain's limiter, creating it on first sight.
func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[domain]
	if !ok {
		b = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.buckets[domain] = b
	}
	return b
}
