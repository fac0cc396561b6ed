package discovery

import (
	"strings"
	"unicode"

	"github.com/localscope/prospector/internal/crawl"
)

// Weights for the confidence components. Category agreement and a usable
// name dominate; place agreement and reachable contact details round the
// score out.
const (
	nameWeight     = 0.35
	categoryWeight = 0.30
	placeWeight    = 0.20
	contactWeight  = 0.15
)

// Confidence scores how well a directory card agrees with the target that
// produced it, in [0, 1]. A card naming a plausible business in the right
// category and place with a website scores near 1; a bare name with nothing
// else scores under 0.4.
func Confidence(card Card, target crawl.CrawlTarget) float64 {
	score := nameWeight*nameScore(card.Name) +
		categoryWeight*categoryScore(card, target.Category) +
		placeWeight*placeScore(card, target.Locality, target.Region) +
		contactWeight*contactScore(card)
	return clamp01(score)
}

func nameScore(name string) float64 {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0
	}
	if len(name) < 3 || !strings.ContainsFunc(name, unicode.IsLetter) {
		return 0.5
	}
	return 1
}

// categoryScore is the fraction of the target's category tokens found in
// the card's name, tags or snippets. Plural tokens match their singular
// form.
func categoryScore(card Card, category string) float64 {
	tokens := strings.Fields(strings.ToLower(category))
	if len(tokens) == 0 {
		return 0
	}

	haystack := strings.ToLower(strings.Join(append(append([]string{card.Name}, card.Tags...), card.Snippets...), " "))

	matched := 0
	for _, token := range tokens {
		if strings.Contains(haystack, strings.TrimSuffix(token, "s")) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

// placeScore checks the card's address for the target's locality, then its
// region, then falls back to a locality mention anywhere in the snippets.
// Region codes are short, so they must match a whole address token; "OR"
// inside "Portland" proves nothing.
func placeScore(card Card, locality, region string) float64 {
	address := strings.ToLower(card.Address)
	if locality != "" && strings.Contains(address, strings.ToLower(locality)) {
		return 1
	}
	if containsToken(card.Address, region) {
		return 0.5
	}
	if locality != "" {
		snippets := strings.ToLower(strings.Join(card.Snippets, " "))
		if strings.Contains(snippets, strings.ToLower(locality)) {
			return 0.5
		}
	}
	return 0
}

func containsToken(text, token string) bool {
	if token == "" {
		return false
	}
	token = strings.ToLower(token)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, field := range fields {
		if field == token {
			return true
		}
	}
	return false
}

func contactScore(card Card) float64 {
	switch {
	case card.Website != "":
		return 1
	case card.Phone != "":
		return 0.5
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
