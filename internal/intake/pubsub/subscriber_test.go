package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/id/uuid"
	storememory "github.com/localscope/prospector/internal/store/memory"
)

func newSubscriber(targets crawl.TargetStore) *Subscriber {
	return &Subscriber{
		targets: targets,
		ids:     uuid.New(),
		logger:  zap.NewNop(),
	}
}

func TestProcessEnqueuesBatch(t *testing.T) {
	t.Parallel()

	store := storememory.NewTargetStore(nil)
	sub := newSubscriber(store)

	payload := []byte(`[
		{"region": "OR", "locality": "Portland", "category": "plumbers", "priority": 5},
		{"region": "OR", "locality": "Salem", "category": "electricians"},
		{"region": "OR", "locality": "", "category": "hvac"}
	]`)

	accepted, err := sub.process(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, 2, accepted)

	pending := crawl.TargetPending
	targets, err := store.List(context.Background(), &pending, 0, 0)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	for _, target := range targets {
		require.NotEmpty(t, target.ID)
		require.Equal(t, "OR", target.Region)
	}
}

func TestProcessRejectsMalformedBatches(t *testing.T) {
	t.Parallel()

	sub := newSubscriber(storememory.NewTargetStore(nil))

	cases := map[string][]byte{
		"not json":            []byte(`targets!`),
		"empty batch":         []byte(`[]`),
		"no complete targets": []byte(`[{"region": "OR"}]`),
	}
	for name, payload := range cases {
		_, err := sub.process(context.Background(), payload)
		require.ErrorIs(t, err, ErrMalformedBatch, name)
	}
}

func TestProcessStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	sub := newSubscriber(failingTargetStore{})

	_, err := sub.process(context.Background(), []byte(`[{"region": "OR", "locality": "Bend", "category": "roofers"}]`))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMalformedBatch)
}

// --- fakes ---

type failingTargetStore struct {
	crawl.TargetStore
}

func (failingTargetStore) Enqueue(context.Context, ...crawl.CrawlTarget) error {
	return errors.New("connection refused")
}
