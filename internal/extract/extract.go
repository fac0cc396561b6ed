// Package extract parses fetched HTML into the artifacts the crawl engine
// consumes: page text, categorized internal links, and contact signals.
package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/localscope/prospector/internal/crawl"
)

// Link is an internal link together with the page category its path and
// anchor text suggest.
type Link struct {
	URL      string
	Category string
}

// Page is the parsed form of one fetched document.
type Page struct {
	URL         string
	Title       string
	Text        string
	Links       []Link
	Phones      []string
	Emails      []string
	AddressSeen bool
}

var (
	phoneRe   = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]\d{3}[\s.-]?\d{4}`)
	emailRe   = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	addressRe = regexp.MustCompile(`(?i)\b\d{1,6}\s+[A-Za-z0-9.'-]+(?:\s+[A-Za-z0-9.'-]+){0,4}\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|drive|dr|lane|ln|way|court|ct|place|pl|suite|ste)\b`)
	spacesRe  = regexp.MustCompile(`\s+`)
)

var skippedExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp",
	".zip", ".mp4", ".mp3", ".doc", ".docx", ".xls", ".xlsx",
}

var linkCategories = []struct {
	category string
	markers  []string
}{
	{"services", []string{"service", "what-we-do", "repair", "install", "maintenance"}},
	{"contact", []string{"contact", "get-in-touch", "quote", "estimate", "book"}},
	{"about", []string{"about", "team", "our-story", "who-we-are"}},
	{"pricing", []string{"pricing", "price", "rates", "cost"}},
	{"gallery", []string{"gallery", "portfolio", "projects", "our-work"}},
	{"reviews", []string{"review", "testimonial"}},
}

// Parse extracts page artifacts from body. Links are restricted to the same
// domain as pageURL, normalized and de-duplicated.
func Parse(body []byte, pageURL string) (Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return Page{}, &crawl.ParseError{URL: pageURL, Err: errInvalidBase(pageURL, err)}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, &crawl.ParseError{URL: pageURL, Err: err}
	}

	page := Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find("script, style, noscript").Remove()
	page.Text = spacesRe.ReplaceAllString(strings.TrimSpace(doc.Find("body").Text()), " ")

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}
		if strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
			return
		}

		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(linkURL)
		if !crawl.SameDomain(resolved.String(), pageURL) {
			return
		}
		if hasSkippedExtension(resolved.Path) {
			return
		}

		normalized, err := crawl.NormalizeURL(resolved.String())
		if err != nil || seen[normalized] {
			return
		}
		seen[normalized] = true

		page.Links = append(page.Links, Link{
			URL:      normalized,
			Category: CategorizeLink(resolved.Path, s.Text()),
		})
	})

	page.Phones = dedupe(phoneRe.FindAllString(page.Text, -1))
	page.Emails = dedupe(emailRe.FindAllString(page.Text, -1))
	page.AddressSeen = addressRe.MatchString(page.Text)

	return page, nil
}

// CategorizeLink buckets an internal link by its path and anchor text.
// Links with no recognizable marker land in "other".
func CategorizeLink(path, anchorText string) string {
	haystack := strings.ToLower(path + " " + anchorText)
	for _, entry := range linkCategories {
		for _, marker := range entry.markers {
			if strings.Contains(haystack, marker) {
				return entry.category
			}
		}
	}
	return "other"
}

func hasSkippedExtension(path string) bool {
	lowered := strings.ToLower(path)
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(lowered, ext) {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

type baseURLError struct {
	raw   string
	cause error
}

func errInvalidBase(raw string, cause error) error {
	return &baseURLError{raw: raw, cause: cause}
}

func (e *baseURLError) Error() string {
	if e.cause != nil {
		return "invalid base url " + e.raw + ": " + e.cause.Error()
	}
	return "invalid base url " + e.raw + ": missing scheme or host"
}

func (e *baseURLError) Unwrap() error { return e.cause }
