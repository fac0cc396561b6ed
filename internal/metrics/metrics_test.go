package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// Collectors live on the default registry, so the tests in this package
// assert deltas rather than absolute counts and stay serial.

func TestSanitizeSite(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"https with path", "https://Acme-Plumbing.example/quote", "acme-plumbing.example"},
		{"http", "http://example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"bare host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty", "", "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, pagesTotal)
	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, errorsTotal)
	require.NotNil(t, frontierDroppedTotal)
}

func TestObservePage(t *testing.T) {
	Init()

	pages := pagesTotal.WithLabelValues("acmeplumbing.example", "2xx")
	downloaded := bytesTotal.WithLabelValues("acmeplumbing.example")
	pagesBefore := testutil.ToFloat64(pages)
	bytesBefore := testutil.ToFloat64(downloaded)

	ObservePage("HTTPS://Acmeplumbing.example/services", "2xx", 2048)

	require.Equal(t, pagesBefore+1, testutil.ToFloat64(pages))
	require.Equal(t, bytesBefore+2048, testutil.ToFloat64(downloaded))
}

func TestObserveErrorAndFrontierDrop(t *testing.T) {
	Init()

	errs := errorsTotal.WithLabelValues("transient")
	errsBefore := testutil.ToFloat64(errs)
	dropBefore := testutil.ToFloat64(frontierDroppedTotal)

	ObserveError("transient")
	ObserveFrontierDrop(3)
	ObserveFrontierDrop(0)

	require.Equal(t, errsBefore+1, testutil.ToFloat64(errs))
	require.Equal(t, dropBefore+3, testutil.ToFloat64(frontierDroppedTotal))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"https://acmeplumbing.example", "bestofdenver.example/plumbers", "not a url"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if SanitizeSite(raw) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", raw)
		}
	})
}
