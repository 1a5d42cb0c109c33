package detail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/httpclient"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// ageGateCookies unlock age-restricted detail pages. The birthtime is an
// arbitrary adult date.
var ageGateCookies = []*http.Cookie{
	{Name: "birthtime", Value: "568022401", Path: "/"},
	{Name: "lastagecheckage", Value: "1-January-1988", Path: "/"},
	{Name: "wants_mature_content", Value: "1", Path: "/"},
}

// Fetcher enriches catalog items through the primary structured endpoint,
// the HTML detail page, and the per-app fallback endpoint. It implements
// interfaces.DetailFetcher: every outcome is a classified EnrichmentResult,
// never a transport error.
type Fetcher struct {
	config     common.SourceConfig
	scraper    common.ScraperConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      common.Clock
	logger     arbor.ILogger
	browser    *Browser
	converter  *md.Converter
}

// NewFetcher creates a detail fetcher. The browser fallback is only started
// when enabled in config.
func NewFetcher(source common.SourceConfig, scraper common.ScraperConfig, clock common.Clock, logger arbor.ILogger) (*Fetcher, error) {
	client, err := httpclient.NewScrapingHTTPClient(source.RequestTimeout, source.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create scraping client: %w", err)
	}

	f := &Fetcher{
		config:     source,
		scraper:    scraper,
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(source.RequestsPerSec), 1),
		clock:      clock,
		logger:     logger,
		converter:  md.NewConverter("", true, nil),
	}
	if scraper.EnableBrowser {
		f.browser = NewBrowser(source.UserAgent, source.RequestTimeout, logger)
	}
	return f, nil
}

var _ interfaces.DetailFetcher = (*Fetcher)(nil)

// FetchDetail enriches one catalog item, retrying retryable failures up to
// the attempt ceiling with escalating backoff.
func (f *Fetcher) FetchDetail(ctx context.Context, item models.CatalogItem) models.EnrichmentResult {
	var result models.EnrichmentResult

	for attempt := 1; attempt <= f.scraper.MaxAttempts; attempt++ {
		result = f.fetchOnce(ctx, item)
		if result.Success() || !result.Kind.IsRetryable() {
			return result
		}

		if attempt < f.scraper.MaxAttempts {
			backoff := f.scraper.InitialBackoff * time.Duration(attempt)
			f.logger.Debug().
				Str("id", item.ID).
				Str("kind", string(result.Kind)).
				Int("attempt", attempt).
				Str("backoff", backoff.String()).
				Msg("Enrichment attempt failed, backing off")
			if err := f.clock.Sleep(ctx, backoff); err != nil {
				return models.Fail(models.FailureTimeout)
			}
		}
	}

	return result
}

// fetchOnce runs one full enrichment attempt: primary endpoint, detail page,
// then fallback genre enrichment when the page gave none.
func (f *Fetcher) fetchOnce(ctx context.Context, item models.CatalogItem) models.EnrichmentResult {
	bundle, apiKind := f.fetchPrimary(ctx, item.ID)
	if apiKind == models.FailureNotFound || apiKind == models.FailureBlocked {
		return models.Fail(apiKind)
	}

	record := &models.DetailRecord{
		ID:     item.ID,
		Name:   item.Name,
		URL:    f.bundleURL(item.ID),
		Source: models.EnrichmentPrimary,
	}
	if item.SourceLink != "" {
		record.URL = item.SourceLink
	}
	if bundle != nil {
		applyAPIBundle(record, bundle)
	}

	page, restricted, pageKind := f.fetchPage(ctx, record.URL)
	if restricted {
		// Login-walled content. A placeholder beats losing the item.
		record.Restricted = true
		record.Discount = models.AnalyzeDiscount(record.Price)
		record.ProcessedAt = f.clock.Now()
		return models.Succeed(record)
	}
	if page == nil {
		// A failed page fails the whole attempt even when the primary
		// endpoint answered. Covers blocked, a persistent age gate, and
		// unparseable pages.
		if pageKind != "" {
			return models.Fail(pageKind)
		}
		if bundle == nil {
			return models.Fail(models.FailureNoData)
		}
	}

	if page != nil {
		if page.Name != "" && item.Name != "" && !TitleMatches(item.Name, page.Name) {
			f.logger.Warn().
				Str("id", item.ID).
				Str("expected", item.Name).
				Str("actual", page.Name).
				Msg("Detail page title does not match catalog item")
			return models.Fail(models.FailureInvalidPage)
		}
		f.applyPage(ctx, record, page)
	}

	if record.Name == "" {
		return models.Fail(models.FailureNoData)
	}

	if len(record.Genres) == 0 && len(record.AppIDs) > 0 {
		if genres := f.fetchFallbackGenres(ctx, record.AppIDs); len(genres) > 0 {
			record.Genres = genres
			record.Source = models.EnrichmentPrimaryFallback
		}
	}

	record.Discount = models.AnalyzeDiscount(record.Price)
	record.ProcessedAt = f.clock.Now()
	return models.Succeed(record)
}

// fetchPage retrieves and parses the HTML detail page. A login redirect is
// reported as restricted rather than a failure; the age gate is bypassed with
// cookies and one refetch.
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) (*PageData, bool, models.FailureKind) {
	body, finalURL, kind := f.getPage(ctx, pageURL)
	if kind != "" {
		return nil, false, kind
	}

	if strings.Contains(finalURL, "/login") {
		return nil, true, ""
	}

	if isAgeGated(finalURL, body) {
		f.setAgeGateCookies(pageURL)
		if err := f.clock.Sleep(ctx, f.scraper.AgeGateDelay); err != nil {
			return nil, false, models.FailureTimeout
		}

		body, finalURL, kind = f.getPage(ctx, pageURL)
		if kind != "" {
			return nil, false, kind
		}
		if strings.Contains(finalURL, "/login") {
			return nil, true, ""
		}
		if isAgeGated(finalURL, body) {
			return nil, false, models.FailureAgeVerification
		}
	}

	page, err := ParseBundlePage(bytes.NewReader(body))
	if err != nil {
		f.logger.Debug().Str("url", pageURL).Err(err).Msg("Detail page unparseable")
		return nil, false, models.FailureExtraction
	}
	return page, false, ""
}

// getPage fetches one page body, following redirects. Returns the final URL
// after redirects so callers can detect login and age-gate bounces.
func (f *Fetcher) getPage(ctx context.Context, pageURL string) ([]byte, string, models.FailureKind) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", models.FailureTimeout
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", models.FailureExtraction
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return nil, "", kind
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", models.FailureTimeout
	}

	return body, resp.Request.URL.String(), ""
}

// applyPage merges page-scraped fields into the record. API fields win for
// pricing unless the API gave none.
func (f *Fetcher) applyPage(ctx context.Context, record *models.DetailRecord, page *PageData) {
	if record.Name == "" && page.Name != "" {
		record.Name = page.Name
	}
	if len(page.Games) > 0 {
		record.Games = page.Games
	}
	if len(page.Genres) > 0 {
		record.Genres = page.Genres
	}
	if page.DescriptionHTML != "" {
		if markdown, err := f.converter.ConvertString(page.DescriptionHTML); err == nil {
			record.Description = strings.TrimSpace(markdown)
		}
	}

	if record.Price.Final == 0 && page.Price != nil {
		record.Price = *page.Price
		if record.Price.Discount == 0 {
			record.Price.Discount = page.Discount
		}
	}

	if record.Price.Final == 0 && page.DynamicPricing && f.browser != nil {
		if price, err := f.browser.FetchDynamicPrice(ctx, record.URL); err != nil {
			f.logger.Warn().Str("url", record.URL).Err(err).Msg("Browser price fallback failed")
		} else if price != nil {
			record.Price = *price
		}
	}

	if len(record.AppIDs) == 0 {
		for _, game := range page.Games {
			if game.AppID != "" {
				record.AppIDs = append(record.AppIDs, game.AppID)
			}
		}
	}
}

// applyAPIBundle maps the primary endpoint's cents-based payload onto a
// record.
func applyAPIBundle(record *models.DetailRecord, bundle *apiBundle) {
	record.Name = bundle.Name
	record.Price = models.Price{
		Final:     float64(bundle.FinalPrice) / 100,
		Original:  float64(bundle.InitialPrice) / 100,
		Discount:  bundle.DiscountPercent,
		Formatted: bundle.FormattedFinalPrice,
		Currency:  DetectCurrency(bundle.FormattedFinalPrice),
	}
	record.Images = models.Media{
		Header:  bundle.HeaderImageURL,
		Capsule: bundle.MainCapsule,
		Library: bundle.LibraryAsset,
	}
	record.Platforms = models.Platforms{
		Windows: bundle.AvailableWindows,
		Mac:     bundle.AvailableMac,
		Linux:   bundle.AvailableLinux,
	}
	record.AppIDs = appIDStrings(bundle.AppIDs)
	record.ComingSoon = bundle.ComingSoon
}

// setAgeGateCookies plants the bypass cookies for the page's host.
func (f *Fetcher) setAgeGateCookies(pageURL string) {
	if f.httpClient.Jar == nil {
		return
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	f.httpClient.Jar.SetCookies(u, ageGateCookies)
}

// isAgeGated detects the age-verification interstitial.
func isAgeGated(finalURL string, body []byte) bool {
	if strings.Contains(finalURL, "agecheck") {
		return true
	}
	return bytes.Contains(body, []byte("agecheck_form")) ||
		bytes.Contains(body, []byte("view_product_page_btn"))
}

// Close releases the browser fallback, if one was started.
func (f *Fetcher) Close() {
	if f.browser != nil {
		f.browser.Close()
	}
}
