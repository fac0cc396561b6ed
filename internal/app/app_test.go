package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/app"
	"github.com/localscope/prospector/internal/config"
	"github.com/localscope/prospector/internal/worker"
)

// memoryConfig returns a Config that wires every backend in memory, binds
// the API server to an ephemeral port and touches no network at all.
func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Worker.Concurrency = 2
	cfg.Worker.IdlePollSeconds = 1
	cfg.Discovery.BaseURL = "https://directory.example.test"
	cfg.Logging.Development = false
	return cfg
}

func TestBuildMemoryBackends(t *testing.T) {
	a, err := app.Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Targets())
	require.NotNil(t, a.Listings())
	require.NotNil(t, a.Runs())
	require.NotNil(t, a.Blobs())
}

func TestBuildTwiceSharesMetricRegistry(t *testing.T) {
	first, err := app.Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	first.Close(context.Background())

	second, err := app.Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	second.Close(context.Background())
}

func TestBuildRejectsUnknownStorageBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "tape"

	_, err := app.Build(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown storage backend")
}

func TestBuildRejectsUnknownClassifyProvider(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Classify.Provider = "oracle"

	_, err := app.Build(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown classify provider")
}

func TestBuildRequiresDiscoveryBaseURL(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Discovery.BaseURL = ""

	_, err := app.Build(context.Background(), cfg)
	require.ErrorContains(t, err, "base url is required")
}

func TestRunExitsWhenQueueDrains(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Worker.ExitWhenIdle = true

	a, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not exit on a drained queue")
	}

	runs, err := a.Runs().ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, sum := range runs {
		require.Equal(t, worker.StopQueueDrained, sum.StopReason)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	a, err := app.Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
