// Package blockdetect inspects fetch responses for signs that the remote
// site refused service: denial status codes, captcha interstitials and
// challenge pages served with a success status.
package blockdetect

import (
	"bytes"
	"net/http"

	"github.com/localscope/prospector/internal/crawl"
)

var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("cf-challenge"),
	[]byte("cf_chl_"),
	[]byte("are you a robot"),
	[]byte("unusual traffic"),
	[]byte("access denied"),
	[]byte("verify you are human"),
	[]byte("attention required"),
}

// Detector classifies responses against the denial taxonomy.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// Check returns a crawl.BlockError when resp looks like a refusal, nil
// otherwise. 403 and 429 always count; other statuses only when the body
// carries a challenge marker.
func (d *Detector) Check(resp crawl.FetchResponse) *crawl.BlockError {
	switch resp.StatusCode {
	case http.StatusForbidden:
		return &crawl.BlockError{URL: resp.URL, StatusCode: resp.StatusCode, Reason: "forbidden"}
	case http.StatusTooManyRequests:
		return &crawl.BlockError{URL: resp.URL, StatusCode: resp.StatusCode, Reason: "rate limited"}
	}

	if marker := findMarker(resp.Body); marker != "" {
		return &crawl.BlockError{URL: resp.URL, StatusCode: resp.StatusCode, Reason: "challenge page: " + marker}
	}
	return nil
}

func findMarker(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Markers appear near the top of interstitial pages; scanning the
	// whole body risks false positives on articles about captchas.
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	lowered := bytes.ToLower(head)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lowered, marker) {
			return string(marker)
		}
	}
	return ""
}
