// Package parse consumes fetched HTML from the handoff queue, persists
// page bodies, records visited outcomes, and feeds discovered links
// back into the frontier.
package parse

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/roverhq/rover/internal/urlutil"
)

// LinkExtractor pulls outbound links from HTML pages using goquery.
type LinkExtractor struct{}

// NewLinkExtractor creates a new link extractor.
func NewLinkExtractor() *LinkExtractor {
	return &LinkExtractor{}
}

// Extract parses HTML and returns the page's outbound links, resolved
// against pageURL and normalized. Fragment-only anchors, non-web
// schemes, and in-page duplicates are dropped. Order follows document
// order of first appearance.
func (e *LinkExtractor) Extract(pageURL, htmlContent string) ([]string, error) {
	base, baseErr := url.Parse(pageURL)
	if baseErr != nil {
		return nil, fmt.Errorf("parse page url: %w", baseErr)
	}

	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if docErr != nil {
		return nil, fmt.Errorf("parse html: %w", docErr)
	}

	var links []string
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}

		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}

		ref, refErr := url.Parse(href)
		if refErr != nil {
			return
		}

		// Normalize rejects anything that is not http or https, which
		// filters mailto:, javascript:, tel:, and friends.
		normalized, normErr := urlutil.Normalize(base.ResolveReference(ref).String())
		if normErr != nil {
			return
		}

		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})

	return links, nil
}
