package sitecrawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/governor"
	"github.com/localscope/prospector/internal/progress"
	"github.com/localscope/prospector/internal/proxy"
)

const (
	testDomain   = "acmeplumbing.example"
	testHomepage = "http://acmeplumbing.example/"
)

var testSeed = Seed{
	Domain:       testDomain,
	Homepage:     testHomepage,
	ListingID:    uuid.MustParse("018f2f4e-0000-7000-8000-000000000001"),
	Category:     "plumbers",
	BusinessName: "Acme Plumbing",
}

const homepageHTML = `<!DOCTYPE html>
<html><head><title>Acme Plumbing</title></head>
<body>
<h1>Acme Plumbing</h1>
<p>Licensed and insured plumbing for residential and commercial customers.
Drain cleaning, water heater repair. Call (503) 555-0142. 1200 SE Morrison Street.</p>
<a href="/services">Our Services</a>
<a href="/about">About Us</a>
<a href="/contact">Contact</a>
</body></html>`

const leafHTML = `<!DOCTYPE html>
<html><head><title>Acme Plumbing</title></head>
<body><p>Emergency plumbing, free estimate on any pipe repair.</p></body></html>`

func okResponse(u, html string) crawl.FetchResponse {
	return crawl.FetchResponse{
		URL:        u,
		FinalURL:   u,
		StatusCode: 200,
		Body:       []byte(html),
	}
}

// siteFetcher returns a fetcher scripted with the standard four-page site.
func siteFetcher() *scriptedFetcher {
	f := newScriptedFetcher()
	f.set(testHomepage, fetchPlan{resp: okResponse(testHomepage, homepageHTML)})
	for _, path := range []string{"/services", "/about", "/contact"} {
		u := "http://acmeplumbing.example" + path
		f.set(u, fetchPlan{resp: okResponse(u, leafHTML)})
	}
	return f
}

func newEngine(t *testing.T, cfg Config, opts Options) *Engine {
	t.Helper()
	if opts.Fetcher == nil {
		opts.Fetcher = siteFetcher()
	}
	if opts.States == nil {
		opts.States = newFakeStore()
	}
	if opts.Gate == nil {
		opts.Gate = &fakeGate{}
	}
	if opts.Proxies == nil {
		opts.Proxies = &fakeProxies{}
	}
	if opts.Retry == nil {
		opts.Retry = governor.NewExponentialRetry(3, time.Millisecond, 2*time.Millisecond)
	}
	e, err := New(cfg, opts)
	require.NoError(t, err)
	return e
}

func TestCrawlWholeSite(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	gate := &fakeGate{}
	e := newEngine(t, Config{}, Options{States: store, Gate: gate})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)

	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 4, state.PagesCrawled)
	require.Equal(t, 4, rep.Pages)
	require.Positive(t, rep.Bytes)
	require.Zero(t, rep.Errors)
	require.Empty(t, state.Frontier)
	require.Zero(t, state.ErrorsCount)
	require.NotNil(t, state.CompletedAt)

	// Evidence accumulated across pages.
	require.True(t, state.Evidence.NameSeen)
	require.True(t, state.Evidence.PhoneSeen)
	require.True(t, state.Evidence.AddressSeen)
	require.NotEmpty(t, state.Evidence.ServiceHits)
	require.Positive(t, state.Evidence.ContextHits["residential"])

	// Link discovery categorized the internal pages.
	require.Len(t, state.Discovered["services"], 1)
	require.Len(t, state.Discovered["contact"], 1)
	require.Equal(t, 3, state.TargetsFound)

	// One checkpoint per page plus the create and the settle.
	require.Equal(t, 4, gate.successes)
	require.GreaterOrEqual(t, store.checkpoints, 5)

	stored, found, err := store.Load(context.Background(), testDomain)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, crawl.PhaseDone, stored.Phase)
}

func TestCrawlTerminalDomainIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	done := crawl.NewSiteCrawlState(testDomain, testHomepage, testSeed.ListingID, time.Now())
	done.PagesCrawled = 4
	done.Frontier = nil
	done.AdvancePhase(crawl.PhaseCrawlingInternal, time.Now())
	done.AdvancePhase(crawl.PhaseDone, time.Now())
	require.NoError(t, store.Checkpoint(context.Background(), done))

	fetcher := newScriptedFetcher()
	e := newEngine(t, Config{}, Options{States: store, Fetcher: fetcher})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 4, state.PagesCrawled)
	require.Zero(t, rep)
	require.Zero(t, fetcher.totalCalls())
}

func TestCrawlBudgetAbortAndResume(t *testing.T) {
	t.Parallel()

	store := newFakeStore()

	// First run: the gate admits exactly one operation, so the crawl
	// stops right after the homepage.
	gate := &fakeGate{budget: 1}
	e := newEngine(t, Config{}, Options{States: store, Gate: gate, Fetcher: siteFetcher()})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	var budgetErr *crawl.BudgetError
	require.ErrorAs(t, err, &budgetErr)

	require.Equal(t, crawl.PhaseCrawlingInternal, state.Phase)
	require.Equal(t, 1, state.PagesCrawled)
	require.Equal(t, 1, rep.Pages)
	require.Len(t, state.Frontier, 3)

	// The interrupted state was persisted, in-flight page requeued.
	stored, found, err := store.Load(context.Background(), testDomain)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, stored.PagesCrawled)
	require.Len(t, stored.Frontier, 3)

	// Resume with an unlimited gate finishes the site. The report counts
	// only the three pages this call fetched, not the resumed total.
	resumed := newEngine(t, Config{}, Options{States: store, Fetcher: siteFetcher()})
	state, rep, err = resumed.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 4, state.PagesCrawled)
	require.Equal(t, 3, rep.Pages)
	require.Empty(t, state.Frontier)
}

func TestCrawlHomepageFailureMarksFailed(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.set(testHomepage, fetchPlan{err: &crawl.TransientError{Op: "fetch", Err: errors.New("connection refused")}})

	e := newEngine(t, Config{}, Options{Fetcher: fetcher})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseFailed, state.Phase)
	require.Zero(t, state.PagesCrawled)
	require.Equal(t, 1, state.ErrorsCount)
	require.Equal(t, 1, rep.Errors)
	require.Contains(t, state.LastError, "connection refused")

	// The initial attempt plus three retries before giving up.
	require.Equal(t, 4, fetcher.calls(testHomepage))
}

func TestCrawlErrorBudgetExhaustion(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	for _, path := range []string{"/services", "/about"} {
		u := "http://acmeplumbing.example" + path
		fetcher.set(u, fetchPlan{resp: crawl.FetchResponse{URL: u, StatusCode: 404, Body: []byte("gone")}})
	}

	e := newEngine(t, Config{MaxErrorsPerDomain: 2, MinTargetsForDone: 10}, Options{Fetcher: fetcher})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseFailed, state.Phase)
	require.Equal(t, 2, state.ErrorsCount)
	require.Equal(t, 1, state.PagesCrawled)
	require.Equal(t, 2, rep.Errors)
}

func TestCrawlBudgetStopWithEnoughTargetsIsDone(t *testing.T) {
	t.Parallel()

	// Page budget of 2 stops long before the frontier drains, but the
	// homepage already discovered three categorized targets.
	e := newEngine(t, Config{MaxPagesPerDomain: 2, MinTargetsForDone: 3}, Options{})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 2, state.PagesCrawled)
	require.NotEmpty(t, state.Frontier)
	require.Equal(t, 3, state.TargetsFound)
}

func TestCrawlSkipsRobotsDisallowedPages(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	blocked := "http://acmeplumbing.example/about"
	fetcher.set(blocked, fetchPlan{err: fmt.Errorf("%s: %w", blocked, crawl.ErrRobotsDisallowed)})

	gate := &fakeGate{}
	e := newEngine(t, Config{}, Options{Fetcher: fetcher, Gate: gate})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 3, state.PagesCrawled)
	require.Zero(t, state.ErrorsCount)
	require.True(t, state.Visited[blocked])

	// The denial recorded no governor outcome either way.
	require.Equal(t, 3, gate.successes)
	require.Zero(t, gate.failures)
}

func TestCrawlBlockEscalatesGovernor(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.set(testHomepage, fetchPlan{resp: crawl.FetchResponse{
		URL:        testHomepage,
		StatusCode: 403,
		Body:       []byte("access denied"),
	}})

	gate := &fakeGate{}
	proxies := &fakeProxies{}
	e := newEngine(t, Config{}, Options{Fetcher: fetcher, Gate: gate, Proxies: proxies})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseFailed, state.Phase)
	require.Equal(t, 1, state.ErrorsCount)
	require.Equal(t, 1, gate.blocks)
	require.Equal(t, 1, proxies.failures)
	require.Zero(t, gate.failures)
}

func TestCrawlRetriesServerErrors(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	fetcher.set(testHomepage,
		fetchPlan{resp: crawl.FetchResponse{URL: testHomepage, StatusCode: 502, Body: []byte("bad gateway")}},
		fetchPlan{resp: crawl.FetchResponse{URL: testHomepage, StatusCode: 502, Body: []byte("bad gateway")}},
		fetchPlan{resp: okResponse(testHomepage, homepageHTML)},
	)

	e := newEngine(t, Config{}, Options{Fetcher: fetcher})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Zero(t, state.ErrorsCount)
	require.Equal(t, 3, fetcher.calls(testHomepage))
}

func TestCrawlPromotesToRenderedFetch(t *testing.T) {
	t.Parallel()

	shell := `<html><head><title>Acme</title></head><body><div id="root"></div>` +
		`<script src="/app.js"></script></body></html>`

	static := newScriptedFetcher()
	static.set(testHomepage, fetchPlan{resp: okResponse(testHomepage, shell)})

	renderer := newScriptedFetcher()
	renderer.set(testHomepage, fetchPlan{resp: okResponse(testHomepage, homepageHTML)})

	e := newEngine(t, Config{MaxPagesPerDomain: 1, MinTargetsForDone: 3}, Options{
		Fetcher:  static,
		Renderer: renderer,
		Promoter: promoteAll{},
	})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, 1, renderer.calls(testHomepage))

	// Links came from the rendered body, not the empty shell.
	require.Equal(t, 3, state.TargetsFound)
	require.Equal(t, crawl.PhaseDone, state.Phase)
}

func TestCrawlRenderFailureKeepsStaticBody(t *testing.T) {
	t.Parallel()

	static := newScriptedFetcher()
	static.set(testHomepage, fetchPlan{resp: okResponse(testHomepage, homepageHTML)})
	for _, path := range []string{"/services", "/about", "/contact"} {
		u := "http://acmeplumbing.example" + path
		static.set(u, fetchPlan{resp: okResponse(u, leafHTML)})
	}

	renderer := newScriptedFetcher()
	renderer.set(testHomepage, fetchPlan{err: &crawl.TransientError{Op: "render", Err: errors.New("chrome crashed")}})

	e := newEngine(t, Config{}, Options{
		Fetcher:  static,
		Renderer: renderer,
		Promoter: promoteAll{},
	})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)
	require.Equal(t, 4, state.PagesCrawled)
	require.Zero(t, state.ErrorsCount)
}

func TestCrawlSnapshotsPages(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{objects: make(map[string][]byte)}
	e := newEngine(t, Config{SnapshotPages: true}, Options{Blobs: blobs})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)

	// Four pages, but the three leaves share one body and therefore one
	// fingerprint.
	require.Len(t, state.Evidence.SnapshotURIs, 2)
	require.Len(t, blobs.objects, 2)
	for _, uri := range state.Evidence.SnapshotURIs {
		require.Contains(t, uri, testDomain+"/")
	}
}

func TestCrawlSnapshotPrefix(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{objects: make(map[string][]byte)}
	e := newEngine(t, Config{SnapshotPages: true, SnapshotPrefix: "pages"}, Options{Blobs: blobs})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	for _, uri := range state.Evidence.SnapshotURIs {
		require.Contains(t, uri, "pages/"+testDomain+"/")
	}
}

func TestCrawlCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	e := newEngine(t, Config{}, Options{States: store})

	_, _, err := e.Crawl(ctx, testSeed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	e := newEngine(t, Config{}, Options{States: store})

	state, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)

	before, _, err := store.Load(context.Background(), testDomain)
	require.NoError(t, err)
	require.NoError(t, store.Checkpoint(context.Background(), state.Clone()))
	after, _, err := store.Load(context.Background(), testDomain)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCrawlSeedValidation(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Config{}, Options{})

	_, _, err := e.Crawl(context.Background(), Seed{Domain: "", Homepage: testHomepage})
	require.Error(t, err)
	_, _, err = e.Crawl(context.Background(), Seed{Domain: testDomain})
	require.Error(t, err)
}

func TestCrawlProxyExhaustionAborts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	gate := &fakeGate{}
	proxies := &fakeProxies{checkoutErr: crawl.ErrProxyExhausted}
	e := newEngine(t, Config{}, Options{States: store, Gate: gate, Proxies: proxies})

	state, rep, err := e.Crawl(context.Background(), testSeed)
	require.ErrorIs(t, err, crawl.ErrProxyExhausted)

	// The stall consumed no page budget and the homepage was requeued, so
	// a later run with a healthy pool starts where this one stopped.
	require.Zero(t, rep.Pages)
	require.Zero(t, state.PagesCrawled)
	require.Equal(t, []string{testHomepage}, state.Frontier)
	require.Equal(t, 1, gate.failures)

	stored, found, err := store.Load(context.Background(), testDomain)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{testHomepage}, stored.Frontier)
}

func TestCrawlEmitsPageEvents(t *testing.T) {
	t.Parallel()

	hub := &captureEmitter{}
	seed := testSeed
	seed.RunID = uuid.New()
	seed.WorkerID = "crawler-1"

	e := newEngine(t, Config{}, Options{Events: hub})

	state, _, err := e.Crawl(context.Background(), seed)
	require.NoError(t, err)
	require.Equal(t, crawl.PhaseDone, state.Phase)

	pages := hub.byStage(progress.StagePageFetch)
	require.Len(t, pages, 4)
	for _, evt := range pages {
		require.Equal(t, progress.UUIDToBytes(seed.RunID), evt.RunID)
		require.Equal(t, "crawler-1", evt.WorkerID)
		require.Equal(t, testDomain, evt.Domain)
		require.Equal(t, progress.Status2xx, evt.StatusClass)
		require.Equal(t, int64(1), evt.Pages)
		require.Positive(t, evt.Bytes)
	}

	done := hub.byStage(progress.StageDomainDone)
	require.Len(t, done, 1)
	require.Equal(t, int64(4), done[0].Pages)
	require.Equal(t, string(crawl.PhaseDone), done[0].Note)
}

func TestCrawlWithoutRunAttributionEmitsNothing(t *testing.T) {
	t.Parallel()

	hub := &captureEmitter{}
	e := newEngine(t, Config{}, Options{Events: hub})

	// testSeed carries no run ID, so the crawl stays silent.
	_, _, err := e.Crawl(context.Background(), testSeed)
	require.NoError(t, err)
	require.Empty(t, hub.all())
}

// --- fakes ---

type fetchPlan struct {
	resp crawl.FetchResponse
	err  error
}

// scriptedFetcher serves queued plans per URL; the last plan repeats.
type scriptedFetcher struct {
	mu    sync.Mutex
	plans map[string][]fetchPlan
	count map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		plans: make(map[string][]fetchPlan),
		count: make(map[string]int),
	}
}

func (f *scriptedFetcher) set(u string, plans ...fetchPlan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[u] = plans
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.count[req.URL]++
	queue, ok := f.plans[req.URL]
	if !ok || len(queue) == 0 {
		return crawl.FetchResponse{}, fmt.Errorf("no plan for %s", req.URL)
	}
	plan := queue[0]
	if len(queue) > 1 {
		f.plans[req.URL] = queue[1:]
	}
	return plan.resp, plan.err
}

func (f *scriptedFetcher) calls(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[u]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.count {
		total += n
	}
	return total
}

// fakeStore is an in-memory StateStore.
type fakeStore struct {
	mu          sync.Mutex
	states      map[string]crawl.SiteCrawlState
	checkpoints int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]crawl.SiteCrawlState)}
}

func (s *fakeStore) Load(_ context.Context, domain string) (crawl.SiteCrawlState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[domain]
	if !ok {
		return crawl.SiteCrawlState{}, false, nil
	}
	return state.Clone(), true, nil
}

func (s *fakeStore) Checkpoint(_ context.Context, state crawl.SiteCrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints++
	s.states[state.Domain] = state.Clone()
	return nil
}

func (s *fakeStore) ListByPhase(_ context.Context, phase crawl.Phase, limit, offset int) ([]crawl.SiteCrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.SiteCrawlState
	for _, state := range s.states {
		if state.Phase == phase {
			out = append(out, state.Clone())
		}
	}
	return out, nil
}

// fakeGate admits operations up to an optional budget and counts outcomes.
type fakeGate struct {
	mu         sync.Mutex
	budget     int
	authorized int
	successes  int
	failures   int
	blocks     int
}

func (g *fakeGate) Authorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.budget > 0 && g.authorized >= g.budget {
		return &crawl.BudgetError{Reason: governor.ReasonMaxOperations}
	}
	g.authorized++
	return nil
}

func (g *fakeGate) RecordSuccess() { g.mu.Lock(); g.successes++; g.mu.Unlock() }
func (g *fakeGate) RecordFailure() { g.mu.Lock(); g.failures++; g.mu.Unlock() }
func (g *fakeGate) RecordBlock()   { g.mu.Lock(); g.blocks++; g.mu.Unlock() }

func (g *fakeGate) Delay() time.Duration { return 0 }

// fakeProxies leases direct connections and counts reports.
type fakeProxies struct {
	mu          sync.Mutex
	checkoutErr error
	checkouts   int
	successes   int
	failures    int
}

func (p *fakeProxies) Checkout() (proxy.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return proxy.Lease{}, p.checkoutErr
	}
	p.checkouts++
	return proxy.Lease{UserAgent: "test-agent"}, nil
}

func (p *fakeProxies) ReportSuccess(proxy.Lease) { p.mu.Lock(); p.successes++; p.mu.Unlock() }
func (p *fakeProxies) ReportFailure(proxy.Lease) { p.mu.Lock(); p.failures++; p.mu.Unlock() }

type promoteAll struct{}

func (promoteAll) ShouldPromote(crawl.FetchResponse) bool { return true }

// captureEmitter records every emitted event for inspection.
type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) all() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

// fakeBlobs stores objects in a map keyed by path.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (b *fakeBlobs) GetObject(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, crawl.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *fakeBlobs) Close() error { return nil }
