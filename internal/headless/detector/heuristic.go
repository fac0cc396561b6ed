// Package detector decides when to promote fetches to headless rendering.
// Small-business sites built on SPA templates often serve a script shell
// with no crawlable content; the heuristic spots those shells.
package detector

import (
	"strings"

	"github.com/localscope/prospector/internal/crawl"
)

// Heuristic promotes responses that look like script shells. A response is
// promoted when the body is empty, carries a known framework or builder
// marker, tells the visitor to enable JavaScript, or is short and mostly
// script.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. threshold is the body size in bytes below
// which script density is considered; zero selects the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// shellMarkers identify frameworks and site builders that hydrate content
// client side. Entries are lowercase; bodies are lowered before matching.
var shellMarkers = []string{
	// Frameworks: Next.js, React, Vue, Angular.
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"data-v-app",
	"ng-version",
	// Site builders: Webflow, Wix, Squarespace.
	"data-wf-site",
	`id="site_container"`,
	"static.squarespace_context",
}

// noscriptHints are phrases builder shells show visitors without JavaScript.
var noscriptHints = []string{
	"enable javascript",
	"requires javascript",
}

const scriptDensityPct = 25

// ShouldPromote reports whether resp needs a rendered fetch. Non-200
// responses never promote; there is nothing more to render.
func (h *Heuristic) ShouldPromote(resp crawl.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	lower := strings.ToLower(string(resp.Body))
	for _, marker := range shellMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, hint := range noscriptHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return len(lower) < h.BodyLengthThreshold && scriptDensityHigh(lower)
}

// scriptDensityHigh reports whether at least scriptDensityPct of lower is
// script tags and their contents. lower must already be lowercased.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0

	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag; count the rest of the document.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1

		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			// Never closes; count the rest.
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}

		covered += next - start
		pos = next
	}

	return covered > 0 && covered*100/total >= scriptDensityPct
}
