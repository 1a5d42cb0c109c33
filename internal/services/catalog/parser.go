package catalog

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/colligo/internal/models"
)

// bundleIDPattern extracts the stable numeric bundle id from a bundle URL.
// The id, not the display name, is the dedup key: names repeat and get
// re-localized, URLs carry slug noise after the id.
var bundleIDPattern = regexp.MustCompile(`/bundle/(\d+)`)

// ParseListing extracts catalog items from one listing page. No stable markup
// contract exists upstream; several selector generations are tried in order.
func ParseListing(r io.Reader) ([]models.CatalogItem, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page: %w", err)
	}

	var items []models.CatalogItem

	doc.Find(`a[href*="/bundle/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}

		id := ExtractBundleID(href)
		if id == "" {
			return
		}

		name := itemName(sel)
		if name == "" {
			return
		}

		items = append(items, models.CatalogItem{
			ID:         id,
			Name:       name,
			SourceLink: href,
		})
	})

	return items, nil
}

// ExtractBundleID parses the stable bundle id from a bundle URL or slug.
// Returns "" when the link does not address a single bundle.
func ExtractBundleID(link string) string {
	match := bundleIDPattern.FindStringSubmatch(link)
	if match == nil {
		return ""
	}
	return match[1]
}

// itemName extracts the display name from a listing row, trying the title
// element first and falling back to the link text.
func itemName(sel *goquery.Selection) string {
	for _, selector := range []string{".title", ".search_name", ".tab_item_name"} {
		if title := sel.Find(selector).First(); title.Length() > 0 {
			if name := strings.TrimSpace(title.Text()); name != "" {
				return name
			}
		}
	}
	return strings.TrimSpace(sel.Text())
}
