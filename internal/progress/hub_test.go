package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies a flush happens as soon as the batch limit fills.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies a lone event still flushes once MaxBatchWait passes.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubTrickleCannotPostponeFlush pins the timer semantics: the deadline
// runs from the first event of a batch, so later events do not push it out.
func TestHubTrickleCannotPostponeFlush(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{
		BufferSize:     64,
		MaxBatchEvents: 1000,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		evt := sampleEvent(StagePageFetch)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.Emit(evt)
			case <-stop:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(sink.Batches()) >= 1
	}, 500*time.Millisecond, 5*time.Millisecond)
}

// TestHubEmitNonBlocking asserts Emit returns immediately and counts the drop
// when nothing consumes the intake channel.
func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		intake: make(chan Event),
		log:    zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())
}

// TestHubFlushOnClose ensures Close delivers buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubDiscardsInvalidEvents verifies malformed events never reach sinks
// and are not mistaken for backpressure drops.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   10 * time.Millisecond,
	}, sink)

	hub.Emit(Event{Stage: StageRunStart, TS: time.Now()}) // missing run id
	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.Zero(t, hub.Dropped())
}

// TestHubDroppedAccumulates checks the drop counter is cumulative across
// repeated overflows.
func TestHubDroppedAccumulates(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		intake: make(chan Event),
		log:    zap.NewNop(),
	}
	for i := 0; i < 3; i++ {
		hub.Emit(sampleEvent(StageRunStart))
	}
	require.EqualValues(t, 3, hub.Dropped())
}

// --- fakes ---

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID:  UUIDToBytes(uuid.New()),
		TS:     time.Now(),
		Stage:  stage,
		Domain: "acmeplumbing.example",
	}
	if stage == StagePageFetch {
		evt.StatusClass = Status2xx
	}
	return evt
}
