package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/progress"
)

// LogSink tails the progress stream as structured log lines. It is meant for
// development and audits; production runs watch the Prometheus sink instead.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink wraps logger as a Sink. A nil logger yields a silent sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{log: logger}
}

// Consume writes one line per event. Fields the event does not carry are
// omitted so run lifecycle lines stay short next to page fetches.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := make([]zap.Field, 0, 12)
		fields = append(fields,
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		)
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker", evt.WorkerID))
		}
		if evt.Target != "" {
			fields = append(fields, zap.String("target", evt.Target))
		}
		if evt.Domain != "" {
			fields = append(fields, zap.String("domain", evt.Domain))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ListingID != [16]byte{} {
			fields = append(fields, zap.Stringer("listing_id", evt.ListingUUID()))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Pages > 0 {
			fields = append(fields, zap.Int64("pages", evt.Pages))
		}
		if evt.Score > 0 {
			fields = append(fields, zap.Float64("score", evt.Score))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.log.Info("progress", fields...)
	}
	return nil
}

// Close implements progress.Sink with no teardown to do.
func (s *LogSink) Close(context.Context) error {
	return nil
}
