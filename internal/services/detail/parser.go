package detail

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/colligo/internal/models"
)

// PageData holds everything extracted from a bundle detail page. Fields are
// best-effort: the markup carries no contract and decoy pages exist.
type PageData struct {
	Name            string
	Price           *models.Price
	Discount        int
	Games           []models.Game
	Genres          []string
	DescriptionHTML string
	DynamicPricing  bool // price rendered by script, needs a real browser
}

// ParseBundlePage extracts structured fields from a bundle detail page
func ParseBundlePage(r io.Reader) (*PageData, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundle page: %w", err)
	}

	data := &PageData{
		Name:     extractName(doc),
		Discount: extractDiscount(doc),
		Games:    extractGames(doc),
		Genres:   extractGenres(doc),
	}

	data.Price, data.DynamicPricing = extractPrice(doc)

	if desc := doc.Find(".bundle_description, .game_description_snippet").First(); desc.Length() > 0 {
		if html, err := desc.Html(); err == nil {
			data.DescriptionHTML = strings.TrimSpace(html)
		}
	}

	return data, nil
}

// extractName tries the selector generations the storefront has used for the
// page header
func extractName(doc *goquery.Document) string {
	for _, selector := range []string{".pageheader", "h2.pageheader", ".bundle_title", "h1"} {
		if el := doc.Find(selector).First(); el.Length() > 0 {
			if name := strings.TrimSpace(el.Text()); name != "" {
				return name
			}
		}
	}
	return ""
}

// extractPrice extracts the price block. A present price element with a zero
// or unparseable amount next to dynamic-pricing markers means the amount is
// computed client-side and needs browser rendering.
func extractPrice(doc *goquery.Document) (*models.Price, bool) {
	priceEl := doc.Find(".discount_final_price, .game_purchase_price").First()
	if priceEl.Length() == 0 {
		return nil, hasDynamicPricingMarkers(doc)
	}

	text := strings.TrimSpace(priceEl.Text())
	final, ok := ParsePriceText(text)

	price := &models.Price{
		Final:     final,
		Formatted: text,
		Currency:  DetectCurrency(text),
	}

	if origEl := doc.Find(".discount_original_price").First(); origEl.Length() > 0 {
		if orig, origOK := ParsePriceText(strings.TrimSpace(origEl.Text())); origOK {
			price.Original = orig
		}
	}
	price.Discount = extractDiscount(doc)

	dynamic := false
	if !ok || final == 0 {
		dynamic = hasDynamicPricingMarkers(doc)
	}

	return price, dynamic
}

// hasDynamicPricingMarkers detects pages whose price is computed client-side
// from the viewer's library and never appears in the static markup.
func hasDynamicPricingMarkers(doc *goquery.Document) bool {
	bodyText := strings.ToLower(doc.Text())
	return strings.Contains(bodyText, "complete your collection") ||
		strings.Contains(bodyText, "based on games you own") ||
		(doc.Find(".game_area_purchase_game").Length() > 0 &&
			doc.Find(".discount_final_price, .game_purchase_price").Length() == 0)
}

// extractDiscount extracts the discount percentage
func extractDiscount(doc *goquery.Document) int {
	el := doc.Find(".discount_pct").First()
	if el.Length() == 0 {
		return 0
	}

	text := strings.TrimSpace(el.Text())
	text = strings.TrimLeft(text, "-")
	text = strings.TrimSuffix(text, "%")
	pct, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0
	}
	return pct
}

// extractGames extracts the titles included in the bundle
func extractGames(doc *goquery.Document) []models.Game {
	var games []models.Game

	doc.Find(".tab_item, .bundle_item").Each(func(_ int, sel *goquery.Selection) {
		nameEl := sel.Find(".tab_item_name, .game_name, .title").First()
		if nameEl.Length() == 0 {
			return
		}
		name := strings.TrimSpace(nameEl.Text())
		if name == "" {
			return
		}

		game := models.Game{Name: name}
		if appID, ok := sel.Attr("data-ds-appid"); ok {
			game.AppID = appID
		} else if link := sel.Find("a[data-ds-appid]").First(); link.Length() > 0 {
			game.AppID, _ = link.Attr("data-ds-appid")
		}
		if href, ok := sel.Attr("href"); ok {
			game.URL = href
		} else if link := sel.Find("a[href]").First(); link.Length() > 0 {
			game.URL, _ = link.Attr("href")
		}
		games = append(games, game)
	})

	return games
}

// extractGenres extracts taxonomy tags from the page. Often empty even for
// valid bundles, which is what the fallback enrichment path exists for.
func extractGenres(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var genres []string

	doc.Find(`a[href*="/genre/"], .app_tag, .glance_tags a`).Each(func(_ int, sel *goquery.Selection) {
		tag := strings.TrimSpace(sel.Text())
		if tag == "" || tag == "+" || seen[tag] {
			return
		}
		seen[tag] = true
		genres = append(genres, tag)
	})

	return genres
}

var priceCleanPattern = regexp.MustCompile(`[^\d,.]`)

// ParsePriceText converts display price text to a float amount. Handles both
// dot-decimal ("$19.99") and comma-decimal ("R$ 49,99", "1.234,56") locales.
func ParsePriceText(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	if strings.Contains(strings.ToLower(text), "free") {
		return 0, true
	}

	cleaned := priceCleanPattern.ReplaceAllString(text, "")
	if cleaned == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		// 1.234,56 -> 1234.56
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case lastComma >= 0 && lastDot >= 0:
		// 1,234.56 -> 1234.56
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastComma >= 0:
		// 49,99 -> 49.99
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// currencySymbols maps display symbols to ISO currency codes. Checked in
// order so multi-character symbols win over bare "$".
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"},
	{"CDN$", "CAD"},
	{"A$", "AUD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₩", "KRW"},
}

// DetectCurrency detects the ISO currency code from display price text
func DetectCurrency(text string) string {
	for _, entry := range currencySymbols {
		if strings.Contains(text, entry.symbol) {
			return entry.code
		}
	}
	if strings.Contains(text, "$") {
		return "USD"
	}
	return "USD"
}

// TitleMatches reports whether a page title plausibly belongs to the expected
// item. Anti-scraping decoy pages serve unrelated titles; a page failing this
// check is rejected as invalid rather than parsed.
func TitleMatches(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}

	e := normalizeTitle(expected)
	a := normalizeTitle(actual)
	if e == "" || a == "" {
		return false
	}

	return strings.Contains(a, e) || strings.Contains(e, a)
}

var titleNoisePattern = regexp.MustCompile(`[^a-z0-9 ]`)

func normalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = titleNoisePattern.ReplaceAllString(t, "")
	return strings.Join(strings.Fields(t), " ")
}
