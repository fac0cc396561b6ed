package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestRobotsEnforcerAllowsAndDenies(t *testing.T) {
	t.Parallel()

	var robotsHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			atomic.AddInt32(&robotsHits, 1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := NewRobotsEnforcer(true, "prospector-bot/0.1", zap.NewNop())
	ctx := context.Background()

	if !policy.Allowed(ctx, srv.URL+"/services") {
		t.Fatal("expected /services to be allowed")
	}
	if policy.Allowed(ctx, srv.URL+"/private/admin") {
		t.Fatal("expected /private/admin to be denied")
	}

	// Both checks hit the same host; robots.txt is fetched once.
	if got := atomic.LoadInt32(&robotsHits); got != 1 {
		t.Fatalf("expected 1 robots.txt fetch, got %d", got)
	}
}

func TestRobotsEnforcerAllowsOnFetchFailure(t *testing.T) {
	t.Parallel()

	policy := NewRobotsEnforcer(true, "prospector-bot/0.1", zap.NewNop())

	// Unroutable host: the enforcer fails open.
	if !policy.Allowed(context.Background(), "http://192.0.2.1:1/page") {
		t.Fatal("expected unreachable robots.txt to allow access")
	}
}

func TestRobotsEnforcerDisabled(t *testing.T) {
	t.Parallel()

	policy := NewRobotsEnforcer(false, "prospector-bot/0.1", nil)
	if !policy.Allowed(context.Background(), "https://example.com/anything") {
		t.Fatal("expected allow-all policy when robots disabled")
	}
}

func TestRobotsEnforcerRejectsUnparsableURL(t *testing.T) {
	t.Parallel()

	policy := NewRobotsEnforcer(true, "prospector-bot/0.1", zap.NewNop())
	if policy.Allowed(context.Background(), "http://%zz") {
		t.Fatal("expected malformed URL to be denied")
	}
}
