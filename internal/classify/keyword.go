// Package classify labels page text with a business category and a
// confidence. The keyword provider runs entirely offline from a built-in
// vocabulary; the gemini subpackage offers the same contract backed by an
// LLM.
package classify

import (
	"context"
	"strings"
)

// Unknown is returned when no category vocabulary matches the text.
const Unknown = "unknown"

var defaultVocabulary = map[string][]string{
	"plumbers": {
		"plumbing", "plumber", "drain", "sewer", "water heater",
		"pipe repair", "leak detection", "repipe",
	},
	"electricians": {
		"electrician", "electrical", "wiring", "panel upgrade",
		"circuit breaker", "ev charger", "lighting installation",
	},
	"hvac": {
		"hvac", "furnace", "air conditioning", "heat pump",
		"duct", "thermostat", "ac repair", "heating and cooling",
	},
	"roofers": {
		"roofing", "roofer", "roof repair", "shingle", "gutter",
		"roof replacement", "flat roof",
	},
	"landscapers": {
		"landscaping", "landscaper", "lawn care", "mowing",
		"irrigation", "hardscape", "tree trimming",
	},
	"locksmiths": {
		"locksmith", "lockout", "rekey", "deadbolt", "key duplication",
	},
	"painters": {
		"painting", "painter", "interior paint", "exterior paint",
		"cabinet refinishing",
	},
	"cleaners": {
		"cleaning service", "house cleaning", "maid", "janitorial",
		"deep clean", "move-out cleaning", "carpet cleaning",
	},
}

var contextMarkers = []string{
	"emergency", "24/7", "licensed", "insured", "bonded",
	"free estimate", "locally owned", "family owned", "same day",
	"satisfaction guaranteed", "serving", "residential", "commercial",
}

var denyMarkers = []string{
	"find a pro", "compare quotes", "business directory",
	"franchise opportunities", "wholesale only", "browse listings",
	"advertise with us", "claim this business",
}

// Keyword classifies text by vocabulary hit density.
type Keyword struct {
	vocab map[string][]string
}

// NewKeyword creates a classifier over the built-in vocabulary.
func NewKeyword() *Keyword {
	return &Keyword{vocab: defaultVocabulary}
}

// Classify returns the best-matching category and a confidence in [0, 1].
// Texts that match nothing come back as Unknown with zero confidence.
func (k *Keyword) Classify(_ context.Context, text string) (string, float64, error) {
	lowered := strings.ToLower(text)

	best := Unknown
	bestHits := 0
	for category, terms := range k.vocab {
		hits := 0
		for _, term := range terms {
			hits += strings.Count(lowered, term)
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && category < best) {
			best = category
			bestHits = hits
		}
	}
	if bestHits == 0 {
		return Unknown, 0, nil
	}
	// Confidence saturates as hits accumulate; three hits on a page is
	// already a strong signal for a small-business site.
	confidence := float64(bestHits) / float64(bestHits+3)
	return best, confidence, nil
}

// Hits counts per-term matches of one category's vocabulary in text.
func (k *Keyword) Hits(text, category string) map[string]int {
	terms, ok := k.vocab[category]
	if !ok {
		return nil
	}
	lowered := strings.ToLower(text)
	out := make(map[string]int)
	for _, term := range terms {
		if n := strings.Count(lowered, term); n > 0 {
			out[term] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Categories lists the known category labels.
func (k *Keyword) Categories() []string {
	out := make([]string, 0, len(k.vocab))
	for category := range k.vocab {
		out = append(out, category)
	}
	return out
}

// ContextHits counts service-context markers (licensing, availability,
// locality phrasing) that distinguish a provider site from a brochure.
func ContextHits(text string) map[string]int {
	lowered := strings.ToLower(text)
	out := make(map[string]int)
	for _, marker := range contextMarkers {
		if n := strings.Count(lowered, marker); n > 0 {
			out[marker] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DenyHits counts markers of aggregator and directory pages that should
// never verify as a service provider's own site.
func DenyHits(text string) int {
	lowered := strings.ToLower(text)
	total := 0
	for _, marker := range denyMarkers {
		total += strings.Count(lowered, marker)
	}
	return total
}
