package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/progress"
)

// StoreSink keeps run liveness marks fresh from the progress stream. Every
// event proves its worker was alive at TS, so the sink collapses each batch
// to one heartbeat write per run. Run start and completion are written by
// the worker itself; the sink only maintains last_heartbeat in between.
type StoreSink struct {
	runs   crawl.RunStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink over the provided run store.
func NewStoreSink(runs crawl.RunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{runs: runs, logger: logger}
}

// Consume collapses the batch to the newest timestamp per run and writes one
// heartbeat each. A run the store does not know yet is skipped; its start
// record may still be in flight.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.runs == nil {
		return nil
	}

	beats := make(map[uuid.UUID]time.Time)
	for _, evt := range batch {
		runID := evt.RunUUID()
		if evt.TS.After(beats[runID]) {
			beats[runID] = evt.TS
		}
	}

	for runID, at := range beats {
		if err := s.runs.Heartbeat(ctx, runID, at); err != nil {
			if errors.Is(err, crawl.ErrNotFound) {
				s.logger.Debug("heartbeat for unknown run", zap.Stringer("run_id", runID))
				continue
			}
			return fmt.Errorf("heartbeat run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
