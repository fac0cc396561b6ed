package progress

import "context"

// Sink receives batches of crawl milestones from the Hub. Implementations
// must tolerate repeated Consume calls, honor ctx deadlines, and expect one
// Close when the hub shuts down. Batches arrive from a single goroutine and
// are shared across sinks, so treat the slice as read only.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side handed to workers. Keeping workers on this
// narrow interface lets tests substitute a synchronous recorder for the hub.
type Emitter interface {
	Emit(evt Event)
}

var _ Emitter = (*Hub)(nil)
