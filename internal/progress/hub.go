package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes how the Hub buffers and batches events on their way to sinks.
//   - BufferSize: capacity of the intake channel (default 4096).
//   - MaxBatchEvents: flush once this many events are pending (default 1000).
//   - MaxBatchWait: flush a partial batch this long after its first event (default 500ms).
//   - SinkTimeout: deadline for a single Consume call (default 10s).
//   - BaseContext: parent context for sink calls (defaults to context.Background()).
//   - Logger: optional logger for drop and sink failure warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	backpressureLogEvery  = 5 * time.Second
)

// Hub fans run, fetch and listing milestones out to sinks without ever
// blocking the workers that report them. A single collector goroutine owns
// the pending batch and the flush timer; Emit only touches the intake
// channel.
type Hub struct {
	cfg      Config
	sinks    []Sink
	intake   chan Event
	quit     chan struct{}
	done     chan struct{}
	log      *zap.Logger
	warnGate logThrottle
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub applies defaults, registers the sinks and starts the collector.
// The returned Hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		intake:   make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
		warnGate: logThrottle{every: backpressureLogEvery},
	}
	go h.collect()
	return h
}

// Emit queues evt for delivery. It never blocks: when the intake buffer is
// full the event is counted as dropped and a throttled warning is logged.
// Malformed events are discarded before they reach the buffer.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.log.Debug("dropping malformed progress event",
			zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Add(1)
		if h.warnGate.Allow(time.Now()) {
			h.log.Warn("progress hub under backpressure",
				zap.Int64("dropped_total", h.dropped.Load()),
				zap.Int("buffer", cap(h.intake)))
		}
	}
}

// Dropped reports how many events the hub discarded because the intake
// buffer was full. The count is cumulative over the hub's lifetime.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops intake, drains what is buffered, flushes and closes every sink,
// and waits for the collector to exit. Calling it again after shutdown has
// begun only waits.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// collect is the single goroutine that owns the pending batch. The flush
// timer is armed by the first event of a batch and never reset by later
// ones, so a steady trickle cannot postpone a flush past MaxBatchWait.
func (h *Hub) collect() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if !armed {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}

	for {
		select {
		case evt := <-h.intake:
			pending = append(pending, evt)
			switch {
			case len(pending) >= h.cfg.MaxBatchEvents:
				disarm()
				h.flush(pending)
				pending = pending[:0]
			case len(pending) == 1 && h.cfg.MaxBatchWait > 0:
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			if len(pending) > 0 {
				h.flush(pending)
				pending = pending[:0]
			}
		case <-h.quit:
			disarm()
			h.drain(pending)
			return
		}
	}
}

// drain empties the intake channel after Close, flushes the remainder and
// closes the sinks. Emit stops accepting before quit closes, so the channel
// can only shrink here.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.intake:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.flush(pending)
				pending = pending[:0]
			}
		default:
			if len(pending) > 0 {
				h.flush(pending)
			}
			h.closeSinks()
			return
		}
	}
}

// flush hands one batch to every sink in registration order. Sinks receive a
// private copy so a slow consumer never observes the collector reusing the
// backing array.
func (h *Hub) flush(pending []Event) {
	if len(pending) == 0 {
		return
	}
	batch := append([]Event(nil), pending...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := h.sinkContext()
		if err := sink.Consume(ctx, batch); err != nil {
			h.log.Warn("progress sink rejected batch",
				zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) sinkContext() (context.Context, context.CancelFunc) {
	if h.cfg.SinkTimeout <= 0 {
		return h.cfg.BaseContext, func() {}
	}
	return context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.log.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// logThrottle suppresses repeat warnings so a saturated hub does not flood
// the very logs it is warning through.
type logThrottle struct {
	every time.Duration
	last  atomic.Int64
}

func (t *logThrottle) Allow(now time.Time) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	prev := t.last.Load()
	if now.UnixNano()-prev < t.every.Nanoseconds() {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
