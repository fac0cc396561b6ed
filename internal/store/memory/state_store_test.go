package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/crawl"
)

func TestStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()

	_, found, err := store.Load(ctx, "missing.example")
	require.NoError(t, err)
	require.False(t, found)

	state := crawl.NewSiteCrawlState("acme.example", "http://acme.example/", uuid.New(), time.Now().UTC())
	state.PushFrontier("http://acme.example/services")
	state.AddDiscovered("services", "http://acme.example/services")
	require.NoError(t, store.Checkpoint(ctx, state))

	loaded, found, err := store.Load(ctx, "acme.example")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state.Frontier, loaded.Frontier)
	require.Equal(t, state.Discovered, loaded.Discovered)

	// The store holds its own copy: mutating the loaded value must not
	// leak back.
	loaded.PushFrontier("http://acme.example/contact")
	loaded.Discovered["services"] = append(loaded.Discovered["services"], "x")
	again, _, err := store.Load(ctx, "acme.example")
	require.NoError(t, err)
	require.Len(t, again.Frontier, 2)
	require.Len(t, again.Discovered["services"], 1)
}

func TestStateStoreCheckpointIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()

	state := crawl.NewSiteCrawlState("acme.example", "http://acme.example/", uuid.New(), time.Now().UTC())
	state.PagesCrawled = 3

	require.NoError(t, store.Checkpoint(ctx, state))
	first, _, err := store.Load(ctx, "acme.example")
	require.NoError(t, err)

	require.NoError(t, store.Checkpoint(ctx, state))
	second, _, err := store.Load(ctx, "acme.example")
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestStateStoreListByPhase(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, domain := range []string{"c.example", "a.example", "b.example"} {
		state := crawl.NewSiteCrawlState(domain, "http://"+domain+"/", uuid.New(), now)
		require.NoError(t, store.Checkpoint(ctx, state))
	}
	done := crawl.NewSiteCrawlState("z.example", "http://z.example/", uuid.New(), now)
	done.PagesCrawled = 1
	done.AdvancePhase(crawl.PhaseCrawlingInternal, now)
	done.AdvancePhase(crawl.PhaseDone, now)
	require.NoError(t, store.Checkpoint(ctx, done))

	parsing, err := store.ListByPhase(ctx, crawl.PhaseParsingHome, 0, 0)
	require.NoError(t, err)
	require.Len(t, parsing, 3)
	require.Equal(t, "a.example", parsing[0].Domain)
	require.Equal(t, "c.example", parsing[2].Domain)

	page, err := store.ListByPhase(ctx, crawl.PhaseParsingHome, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "b.example", page[0].Domain)

	finished, err := store.ListByPhase(ctx, crawl.PhaseDone, 0, 0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	require.Equal(t, "z.example", finished[0].Domain)
}
