// Package collyfetcher implements crawl.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/localscope/prospector/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawl.Fetcher using the Colly collector. Each Fetch
// clones the base collector so per-request proxy and user-agent overrides
// never leak between requests.
type Fetcher struct {
	cfg           Config
	robots        RobotsPolicy
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The robots policy may be nil, in which case the
// config toggle decides between enforcement and allow-all.
func New(cfg Config, robots RobotsPolicy) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // robots handled by the policy, not colly
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport(""))

	if robots == nil {
		robots = NewRobotsEnforcer(cfg.RespectRobots, cfg.UserAgent, nil)
	}

	return &Fetcher{
		cfg:           cfg,
		robots:        robots,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Any completed HTTP exchange returns a
// response with a nil error regardless of status code; transport failures
// come back as crawl.TransientError and robots denials as
// crawl.ErrRobotsDisallowed.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	if !f.robots.Allowed(ctx, request.URL) {
		return crawl.FetchResponse{}, fmt.Errorf("%s: %w", request.URL, crawl.ErrRobotsDisallowed)
	}

	var (
		result   crawl.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &result, &fetchErr); err != nil {
		return crawl.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true

	agent := request.UserAgent
	if agent == "" {
		agent = f.cfg.UserAgent
	}
	if agent != "" {
		collector.UserAgent = agent
	}

	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(newHTTPTransport(request.ProxyURL))

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawl.FetchResponse{
			URL:        request.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// Non-2xx exchanges still carry a usable response; only keep the
		// error when no HTTP response came back at all.
		if r != nil && r.StatusCode != 0 {
			var headers http.Header
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			finalURL := request.URL
			if r.Request != nil && r.Request.URL != nil {
				finalURL = r.Request.URL.String()
			}
			*result = crawl.FetchResponse{
				URL:        request.URL,
				FinalURL:   finalURL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	result *crawl.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return &crawl.TransientError{Op: "GET " + rawURL, Err: *fetchErr}
		}
		if result.StatusCode != 0 {
			// Visit reports an error for non-2xx statuses; the captured
			// response already tells the caller everything it needs.
			return nil
		}
		if err != nil {
			return &crawl.TransientError{Op: "GET " + rawURL, Err: err}
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawl.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxyURL string) *http.Transport {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
