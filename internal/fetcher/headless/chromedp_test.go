package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/crawl"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.slots))
	require.Equal(t, defaultSettleDelay, fetcher.cfg.SettleDelay)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, defaultNavigationTimeout, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

// TestAcquireHonorsCancel checks a caller waiting for a render slot unblocks
// when its context dies.
func TestAcquireHonorsCancel(t *testing.T) {
	t.Parallel()

	f := &Fetcher{slots: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, f.acquire(ctx))

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	entries, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok)
	require.Len(t, entries, 2)

	single := toNetworkHeaders(http.Header{"Accept": {"text/html"}})
	require.Equal(t, "text/html", single["Accept"])
}

func TestDocCaptureResult(t *testing.T) {
	t.Parallel()

	doc := newDocCapture()
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://acmeplumbing.example/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})

	status, headers, url := doc.result("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://acmeplumbing.example/rendered", url)
}

// TestDocCaptureIgnoresSubresources verifies XHR and asset responses never
// override the document metadata, leaving the fallbacks in charge.
func TestDocCaptureIgnoresSubresources(t *testing.T) {
	t.Parallel()

	doc := newDocCapture()
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeXHR,
		Response: &network.Response{Status: 500, URL: "https://acmeplumbing.example/api"},
	})

	status, _, url := doc.result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	status, _, url = doc.result("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

func TestNoopFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), crawl.FetchRequest{})
	require.Error(t, err)
}
