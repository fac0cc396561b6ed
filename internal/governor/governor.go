// Package governor implements adaptive crawl pacing and run-level budget
// enforcement. Every outbound operation asks the governor for authorization
// first; the governor applies the current pacing delay and refuses once the
// run's operation or consecutive-failure caps are reached.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/localscope/prospector/internal/crawl"
)

// Stop reasons reported through crawl.BudgetError and run summaries.
const (
	ReasonMaxOperations          = "max operations"
	ReasonMaxConsecutiveFailures = "max consecutive failures"
)

// Config tunes the pacing window and the run budget.
type Config struct {
	MinDelay               time.Duration
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	SuccessFactor          float64
	FailureFactor          float64
	BlockFactor            float64
	MaxOperations          int
	MaxConsecutiveFailures int
}

func (c Config) normalized() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 500 * time.Millisecond
	}
	if c.BaseDelay < c.MinDelay {
		c.BaseDelay = c.MinDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 60 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.SuccessFactor <= 0 || c.SuccessFactor >= 1 {
		c.SuccessFactor = 0.75
	}
	if c.FailureFactor <= 1 {
		c.FailureFactor = 2
	}
	if c.BlockFactor < c.FailureFactor {
		c.BlockFactor = c.FailureFactor * 2
	}
	if c.MaxOperations <= 0 {
		c.MaxOperations = 500
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	return c
}

// Governor is safe for concurrent use by the workers sharing a run budget.
type Governor struct {
	mu                  sync.Mutex
	cfg                 Config
	delay               time.Duration
	operations          int
	successes           int
	failures            int
	consecutiveFailures int
	started             bool
}

// New creates a Governor with the pacing delay at its base value.
func New(cfg Config) *Governor {
	cfg = cfg.normalized()
	return &Governor{
		cfg:   cfg,
		delay: cfg.BaseDelay,
	}
}

// Authorize admits one operation. It rejects with a crawl.BudgetError once a
// run cap is reached, otherwise it sleeps the current pacing delay (skipped
// for the first operation) and counts the admission. A context cancellation
// during the pause surfaces as the context's error.
func (g *Governor) Authorize(ctx context.Context) error {
	g.mu.Lock()
	if g.operations >= g.cfg.MaxOperations {
		g.mu.Unlock()
		return &crawl.BudgetError{Reason: ReasonMaxOperations}
	}
	if g.consecutiveFailures >= g.cfg.MaxConsecutiveFailures {
		g.mu.Unlock()
		return &crawl.BudgetError{Reason: ReasonMaxConsecutiveFailures}
	}
	var delay time.Duration
	if g.started {
		delay = g.delay
	} else {
		g.started = true
	}
	g.operations++
	g.mu.Unlock()

	pause(ctx, delay)
	return ctx.Err()
}

// RecordSuccess speeds pacing back up and clears the failure streak.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scale(g.cfg.SuccessFactor)
	g.successes++
	g.consecutiveFailures = 0
}

// RecordFailure slows pacing down and extends the failure streak.
func (g *Governor) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scale(g.cfg.FailureFactor)
	g.failures++
	g.consecutiveFailures++
}

// RecordBlock reacts to a block signal: pacing escalates harder than for an
// ordinary failure and the streak still grows.
func (g *Governor) RecordBlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scale(g.cfg.BlockFactor)
	g.failures++
	g.consecutiveFailures++
}

func (g *Governor) scale(factor float64) {
	d := time.Duration(float64(g.delay) * factor)
	if d < g.cfg.MinDelay {
		d = g.cfg.MinDelay
	}
	if d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	g.delay = d
}

// Delay returns the current pacing delay.
func (g *Governor) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

// Operations returns how many operations have been authorized so far.
func (g *Governor) Operations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operations
}

// ConsecutiveFailures returns the current failure streak length.
func (g *Governor) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures
}

// Stats returns the operations authorized and the success and failure
// outcomes recorded since the last Reset.
func (g *Governor) Stats() (operations, successes, failures int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operations, g.successes, g.failures
}

// Reset starts a fresh run: budget counters cleared, streak cleared, delay
// back at base. The caps bound one worker run, so each run begins clean.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operations = 0
	g.successes = 0
	g.failures = 0
	g.consecutiveFailures = 0
	g.delay = g.cfg.BaseDelay
	g.started = false
}

func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
