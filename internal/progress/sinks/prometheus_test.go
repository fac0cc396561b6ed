package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	listingID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{
			RunID:     runID,
			TS:        time.Now().Add(5 * time.Second),
			Stage:     progress.StageListingFound,
			ListingID: listingID,
			Score:     0.9,
		},
		{RunID: runID, TS: time.Now().Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.listingsFound))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "prospector_run_duration_seconds"))
}

// TestPrometheusSinkSharedRegistry verifies a second sink on the same
// registry reuses the collectors instead of failing registration.
func TestPrometheusSinkSharedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageRunStart}}
	require.NoError(t, first.Consume(context.Background(), batch))
	batch[0].RunID = progress.UUIDToBytes(uuid.New())
	require.NoError(t, second.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(second.runsStarted))
}

// TestPrometheusSinkStoppedRuns verifies a noted RUN_DONE lands in the stopped bucket
// and the running gauge tracks starts against completions.
func TestPrometheusSinkStoppedRuns(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	first := progress.UUIDToBytes(uuid.New())
	second := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: first, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: second, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: first, TS: time.Now().Add(time.Minute), Stage: progress.StageRunDone, Note: "max consecutive failures", Dur: time.Minute},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
}
