package discovery

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Card is one parsed directory result before it becomes a listing.
type Card struct {
	Name        string
	Website     string
	Phone       string
	Address     string
	Tags        []string
	Snippets    []string
	Rating      float64
	ReviewCount int
}

// dedupeKey collapses repeat appearances of the same business across result
// pages. The website is the strongest identity; nameless-site cards fall
// back to the lowercased name.
func (c Card) dedupeKey() string {
	if c.Website != "" {
		return strings.ToLower(c.Website)
	}
	return strings.ToLower(c.Name)
}

// Containers and field slots are tried in order; the first selector that
// matches anything wins.
var cardContainerSelectors = []string{
	"[itemtype$='LocalBusiness']",
	".search-result",
	".result",
}

var (
	numberRe = regexp.MustCompile(`\d+`)
	ratingRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParseCards extracts result cards from a directory search page. Pages with
// no recognizable cards return an empty slice, not an error.
func ParseCards(body []byte) ([]Card, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var containers *goquery.Selection
	for _, selector := range cardContainerSelectors {
		containers = doc.Find(selector)
		if containers.Length() > 0 {
			break
		}
	}
	if containers == nil || containers.Length() == 0 {
		return nil, nil
	}

	cards := make([]Card, 0, containers.Length())
	containers.Each(func(_ int, s *goquery.Selection) {
		cards = append(cards, parseCard(s))
	})
	return cards, nil
}

func parseCard(s *goquery.Selection) Card {
	card := Card{
		Name:    firstText(s, "[itemprop='name']", ".business-name", "h3 a", "h3"),
		Website: websiteFrom(s),
		Phone:   firstText(s, "[itemprop='telephone']", ".phone"),
		Address: firstText(s, "[itemprop='address']", ".address"),
	}

	s.Find(".categories a, .category-list a").Each(func(_ int, tag *goquery.Selection) {
		if text := strings.TrimSpace(tag.Text()); text != "" {
			card.Tags = append(card.Tags, text)
		}
	})

	s.Find(".snippet, .excerpt").Each(func(_ int, snip *goquery.Selection) {
		if text := collapseSpace(snip.Text()); text != "" {
			card.Snippets = append(card.Snippets, text)
		}
	})

	card.Rating = ratingFrom(s)
	card.ReviewCount = reviewCountFrom(s)
	return card
}

func websiteFrom(s *goquery.Selection) string {
	for _, selector := range []string{"a.website-link", "a[itemprop='url']"} {
		if href, ok := s.Find(selector).First().Attr("href"); ok && href != "" {
			return strings.TrimSpace(href)
		}
	}
	if content, ok := s.Find("[itemprop='url']").First().Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return ""
}

func ratingFrom(s *goquery.Selection) float64 {
	raw := firstAttr(s, "content", "[itemprop='ratingValue']")
	if raw == "" {
		raw = firstText(s, "[itemprop='ratingValue']")
	}
	if raw == "" {
		raw = firstAttr(s, "data-rating", ".rating")
	}
	match := ratingRe.FindString(raw)
	if match == "" {
		return 0
	}
	rating, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return rating
}

func reviewCountFrom(s *goquery.Selection) int {
	raw := firstAttr(s, "content", "[itemprop='reviewCount']")
	if raw == "" {
		raw = firstText(s, "[itemprop='reviewCount']", ".review-count")
	}
	match := numberRe.FindString(raw)
	if match == "" {
		return 0
	}
	count, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return count
}

func firstText(s *goquery.Selection, selectors ...string) string {
	for _, selector := range selectors {
		if text := collapseSpace(s.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func firstAttr(s *goquery.Selection, attr string, selectors ...string) string {
	for _, selector := range selectors {
		if value, ok := s.Find(selector).First().Attr(attr); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var spaceRe = regexp.MustCompile(`\s+`)

func collapseSpace(text string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
}
