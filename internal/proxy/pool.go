// Package proxy manages the rotating pool of outbound proxy endpoints and
// user agents. Checkout is atomic: concurrent workers never race a health
// update, and an endpoint's failure streak moves it out of rotation until
// its cooldown expires.
package proxy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/localscope/prospector/internal/crawl"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// Config sets health thresholds for the pool.
type Config struct {
	Endpoints   []string
	UserAgents  []string
	MaxFailures int
	Cooldown    time.Duration
}

// Lease is one authorized use of an endpoint. ProxyURL is empty when the
// pool runs without proxies and connections go out directly.
type Lease struct {
	ProxyURL  string
	UserAgent string

	index int
}

// Direct reports whether the lease bypasses the proxy pool.
func (l Lease) Direct() bool {
	return l.ProxyURL == ""
}

// Pool hands out endpoints and tracks their health.
type Pool struct {
	mu          sync.Mutex
	endpoints   []crawl.ProxyEndpoint
	userAgents  []string
	uaIndex     int
	maxFailures int
	cooldown    time.Duration
	clock       crawl.Clock
}

// New creates a Pool. With no endpoints configured the pool stays usable and
// leases direct connections.
func New(cfg Config, clock crawl.Clock) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	endpoints := make([]crawl.ProxyEndpoint, 0, len(cfg.Endpoints))
	for _, u := range cfg.Endpoints {
		if u == "" {
			continue
		}
		endpoints = append(endpoints, crawl.ProxyEndpoint{URL: u, Healthy: true})
	}
	return &Pool{
		endpoints:   endpoints,
		userAgents:  agents,
		uaIndex:     rand.Intn(len(agents)),
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clock:       clock,
	}
}

// Checkout atomically selects the least recently used eligible endpoint and
// pairs it with the next user agent. Endpoints in cooldown become eligible
// again once the cooldown has elapsed; if every endpoint is unhealthy and
// cooling down, Checkout returns crawl.ErrProxyExhausted.
func (p *Pool) Checkout() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ua := p.userAgents[p.uaIndex]
	p.uaIndex = (p.uaIndex + 1) % len(p.userAgents)

	if len(p.endpoints) == 0 {
		return Lease{UserAgent: ua, index: -1}, nil
	}

	now := p.clock.Now()
	best := -1
	for i := range p.endpoints {
		ep := &p.endpoints[i]
		if !ep.Healthy && now.Before(ep.CooldownUntil) {
			continue
		}
		if best == -1 || ep.LastUsedAt.Before(p.endpoints[best].LastUsedAt) {
			best = i
		}
	}
	if best == -1 {
		return Lease{}, crawl.ErrProxyExhausted
	}

	ep := &p.endpoints[best]
	ep.LastUsedAt = now
	ep.TotalUses++
	return Lease{ProxyURL: ep.URL, UserAgent: ua, index: best}, nil
}

// ReportSuccess clears the endpoint's failure streak and restores health.
func (p *Pool) ReportSuccess(l Lease) {
	if l.index < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := &p.endpoints[l.index]
	ep.ConsecutiveFailures = 0
	ep.Healthy = true
	ep.CooldownUntil = time.Time{}
}

// ReportFailure extends the endpoint's failure streak; once it reaches the
// threshold the endpoint leaves rotation for one cooldown period.
func (p *Pool) ReportFailure(l Lease) {
	if l.index < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := &p.endpoints[l.index]
	ep.ConsecutiveFailures++
	ep.TotalFailures++
	if ep.ConsecutiveFailures >= p.maxFailures {
		ep.Healthy = false
		ep.CooldownUntil = p.clock.Now().Add(p.cooldown)
	}
}

// Snapshot returns a copy of every endpoint's current state.
func (p *Pool) Snapshot() []crawl.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]crawl.ProxyEndpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// HealthyCount reports how many endpoints are currently in rotation.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := 0
	for i := range p.endpoints {
		ep := &p.endpoints[i]
		if ep.Healthy || !now.Before(ep.CooldownUntil) {
			n++
		}
	}
	return n
}
