// Package partition runs the crawl worker pool. A manager fans workers out
// over the shared target queue, restarts the ones that exit on a spent
// budget or a panic, returns dead workers' claims to pending and sweeps
// stale claims on a timer. Stop drains the pool without cutting workers
// off mid-target.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/governor"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/worker"
)

// errWorkerPanic marks a worker exit caused by a recovered panic so the
// slot restarts instead of failing the whole partition.
var errWorkerPanic = errors.New("worker panicked")

// Runner is one worker's run loop. The manager reads the returned
// summary's stop reason to decide whether the seat gets a replacement.
type Runner interface {
	Run(ctx context.Context) (crawl.RunSummary, error)
}

// Factory builds the runner for one worker seat. The quit channel is the
// pool's soft-stop signal and must reach the runner so Stop can drain it.
type Factory func(id string, quit <-chan struct{}) (Runner, error)

// Config sizes and paces the pool.
type Config struct {
	// Workers is how many concurrent workers the partition runs.
	Workers int
	// IDPrefix prefixes the slot-stable worker IDs, "<prefix>-<slot>".
	IDPrefix string
	// ClaimTTL is how old a target claim may grow before the reaper
	// returns it to pending.
	ClaimTTL time.Duration
	// ReapInterval is how often the stale-claim sweep runs.
	ReapInterval time.Duration
	// RestartDelay spaces worker replacements so a crash loop cannot
	// spin hot.
	RestartDelay time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "worker"
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	return c
}

// Options carries the manager's collaborators. Clock and Logger are
// optional.
type Options struct {
	Targets crawl.TargetStore
	Factory Factory
	Clock   crawl.Clock
	Logger  *zap.Logger
}

// Manager owns one partition of the worker pool.
type Manager struct {
	cfg     Config
	targets crawl.TargetStore
	factory Factory
	clock   crawl.Clock
	logger  *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager from cfg and opts.
func New(cfg Config, opts Options) (*Manager, error) {
	if opts.Targets == nil {
		return nil, errors.New("partition: target store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("partition: worker factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.normalized(),
		targets: opts.Targets,
		factory: opts.Factory,
		clock:   opts.Clock,
		logger:  opts.Logger,
		quit:    make(chan struct{}),
	}, nil
}

// Stop asks every worker to finish its current target and exit. Safe to
// call more than once, and before Run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
}

// Run operates the pool until every slot retires, the context ends, or a
// worker fails fatally. A fatal worker error cancels the remaining
// workers and is returned.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("partition starting",
		zap.Int("workers", m.cfg.Workers),
		zap.Duration("claim_ttl", m.cfg.ClaimTTL),
		zap.Duration("reap_interval", m.cfg.ReapInterval))

	// The reaper lives outside the errgroup: it never exits on its own,
	// and the group must be able to drain on all-retired slots.
	reaperCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		m.reap(reaperCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < m.cfg.Workers; slot++ {
		g.Go(func() error {
			return m.runSlot(gctx, slot)
		})
	}

	err := g.Wait()
	stopReaper()
	<-reaperDone

	if err != nil {
		m.logger.Error("partition stopped on worker failure", zap.Error(err))
		return err
	}
	m.logger.Info("partition stopped")
	return nil
}

// runSlot keeps one worker seat occupied. A worker that exits on a spent
// budget or a panic gets a replacement under the same ID after a short
// delay; any other exit retires the seat.
func (m *Manager) runSlot(ctx context.Context, slot int) error {
	id := fmt.Sprintf("%s-%d", m.cfg.IDPrefix, slot)
	logger := m.logger.With(zap.String("worker_id", id))

	for {
		runner, err := m.factory(id, m.quit)
		if err != nil {
			return fmt.Errorf("build worker %s: %w", id, err)
		}

		sum, err := m.runWorker(ctx, runner)
		m.release(ctx, id)

		crashed := errors.Is(err, errWorkerPanic)
		switch {
		case crashed:
			logger.Error("worker crashed", zap.Error(err))
		case err != nil:
			return fmt.Errorf("worker %s: %w", id, err)
		case !replaceable(sum.StopReason):
			logger.Info("slot retired", zap.String("stop_reason", sum.StopReason))
			return nil
		default:
			logger.Info("worker spent its budget", zap.String("stop_reason", sum.StopReason))
		}

		if ctx.Err() != nil || m.quitting() {
			return nil
		}
		logger.Info("replacing worker", zap.Duration("delay", m.cfg.RestartDelay))
		if !m.pause(ctx, m.cfg.RestartDelay) {
			return nil
		}
	}
}

// runWorker shields the slot from a runner panic. The worker persists its
// own summary before re-raising, so only the restart decision is left.
func (m *Manager) runWorker(ctx context.Context, r Runner) (sum crawl.RunSummary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errWorkerPanic, rec)
		}
	}()
	return r.Run(ctx)
}

// release returns the exited worker's in-progress targets to pending.
func (m *Manager) release(ctx context.Context, id string) {
	n, err := m.targets.ReleaseByWorker(context.WithoutCancel(ctx), id)
	if err != nil {
		m.logger.Error("release claims failed",
			zap.String("worker_id", id),
			zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Warn("released in-progress targets",
			zap.String("worker_id", id),
			zap.Int("count", n))
		for i := 0; i < n; i++ {
			metrics.ObserveTarget("released")
		}
	}
}

// reap periodically returns targets whose claims outlived the TTL, the
// leftovers of workers that died without releasing.
func (m *Manager) reap(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.clock.Now().Add(-m.cfg.ClaimTTL)
			n, err := m.targets.ReleaseStale(ctx, cutoff)
			if err != nil {
				m.logger.Error("stale claim sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Warn("reaped stale claims",
					zap.Int("count", n),
					zap.Time("cutoff", cutoff))
				for i := 0; i < n; i++ {
					metrics.ObserveTarget("released")
				}
			}
		}
	}
}

// pause waits out the restart delay, ending early when the context dies
// or the pool begins draining.
func (m *Manager) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.quit:
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) quitting() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// replaceable reports whether a stop reason describes a spent budget, the
// kind of exit that gets a fresh worker. Drained queues, cancellation and
// soft stops retire the slot instead.
func replaceable(stopReason string) bool {
	switch stopReason {
	case worker.StopMaxTargets,
		governor.ReasonMaxOperations,
		governor.ReasonMaxConsecutiveFailures:
		return true
	default:
		return false
	}
}
