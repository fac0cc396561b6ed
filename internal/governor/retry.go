package governor

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/localscope/prospector/internal/crawl"
)

// ExponentialRetry decides transient-fetch retries with jittered backoff.
// Only errors the taxonomy classifies as transient ever qualify.
type ExponentialRetry struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetry builds a policy. Non-positive arguments fall back to
// 3 attempts, 250ms base and 5s cap.
func NewExponentialRetry(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetry {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetry{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether attempt+1 is worth making.
func (p *ExponentialRetry) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return crawl.Retryable(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetry) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetry) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
