package catalog

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/httpclient"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"golang.org/x/time/rate"
)

// ErrBlocked indicates the upstream has banned or blocked this client. The
// orchestrator must treat it as fatal for the whole run, not a per-page
// failure.
var ErrBlocked = errors.New("upstream blocked the client")

// Fetcher walks the upstream listing pages and produces the deduplicated
// catalog. Listing pagination is best-effort: upstream sometimes loops back
// to an earlier page, so a byte-identical page is treated as end-of-catalog.
type Fetcher struct {
	config     common.SourceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// pageResult is one fetched listing page, keyed by its page number so a
// parallel window can be evaluated in order.
type pageResult struct {
	number      int
	items       []models.CatalogItem
	contentHash [32]byte
	err         error
}

// NewFetcher creates a catalog fetcher for the configured listing source
func NewFetcher(config common.SourceConfig, logger arbor.ILogger) (interfaces.CatalogSource, error) {
	client, err := httpclient.NewScrapingHTTPClient(config.RequestTimeout, config.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create scraping client: %w", err)
	}

	return &Fetcher{
		config:     config,
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
		logger:     logger,
	}, nil
}

// FetchCatalog fetches listing pages in windows of PageFanout parallel
// requests until the end-of-catalog heuristic fires: a page with zero items,
// byte-identical content to the previous page, or the MaxPages ceiling.
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]models.CatalogItem, error) {
	var all []models.CatalogItem
	var prevHash [32]byte

	for start := 1; start <= f.config.MaxPages; start += f.config.PageFanout {
		end := start + f.config.PageFanout - 1
		if end > f.config.MaxPages {
			end = f.config.MaxPages
		}

		results, err := f.fetchWindow(ctx, start, end)
		if err != nil {
			return nil, err
		}

		done := false
		for _, page := range results {
			if page.err != nil {
				// A lone failing page is not fatal; the item set is re-walked
				// on the next run anyway.
				f.logger.Warn().Int("page", page.number).Err(page.err).Msg("Listing page failed, skipping")
				continue
			}
			if len(page.items) == 0 {
				f.logger.Debug().Int("page", page.number).Msg("Empty listing page, end of catalog")
				done = true
				break
			}
			if page.contentHash == prevHash {
				f.logger.Debug().Int("page", page.number).Msg("Listing page repeats previous content, end of catalog")
				done = true
				break
			}
			prevHash = page.contentHash
			all = append(all, page.items...)
		}

		if done {
			break
		}
	}

	deduped := Dedupe(all)

	f.logger.Info().
		Int("raw", len(all)).
		Int("unique", len(deduped)).
		Msg("Catalog listing complete")

	return deduped, nil
}

// fetchWindow fetches pages [start, end] in parallel, returning them ordered
// by page number. A blocked signal from any page aborts the whole window.
func (f *Fetcher) fetchWindow(ctx context.Context, start, end int) ([]pageResult, error) {
	results := make([]pageResult, end-start+1)

	var wg sync.WaitGroup
	for n := start; n <= end; n++ {
		wg.Add(1)
		go func(pageNum int) {
			defer wg.Done()
			items, hash, err := f.fetchPage(ctx, pageNum)
			results[pageNum-start] = pageResult{
				number:      pageNum,
				items:       items,
				contentHash: hash,
				err:         err,
			}
		}(n)
	}
	wg.Wait()

	for _, page := range results {
		if errors.Is(page.err, ErrBlocked) {
			return nil, fmt.Errorf("listing page %d: %w", page.number, ErrBlocked)
		}
		if errors.Is(page.err, context.Canceled) {
			return nil, page.err
		}
	}

	return results, nil
}

// fetchPage fetches and parses one listing page
func (f *Fetcher) fetchPage(ctx context.Context, pageNum int) ([]models.CatalogItem, [32]byte, error) {
	var hash [32]byte

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, hash, err
	}

	url := pageURL(f.config.ListingURL, pageNum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, hash, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, hash, fmt.Errorf("listing request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, hash, ErrBlocked
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, hash, fmt.Errorf("listing page %d rate limited", pageNum)
	case resp.StatusCode != http.StatusOK:
		return nil, hash, fmt.Errorf("listing page %d returned status %d", pageNum, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hash, fmt.Errorf("failed to read listing page: %w", err)
	}
	hash = sha256.Sum256(body)

	items, err := ParseListing(strings.NewReader(string(body)))
	if err != nil {
		return nil, hash, err
	}

	f.logger.Debug().Int("page", pageNum).Int("items", len(items)).Msg("Listing page parsed")
	return items, hash, nil
}

// pageURL appends the page parameter to the configured listing URL
func pageURL(base string, page int) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", base, sep, page)
}

// Dedupe removes duplicate items by ID, preserving first-seen order. Listing
// windows overlap upstream, so the same bundle routinely appears on more
// than one page. Idempotent: running it on already-unique input is a no-op.
func Dedupe(items []models.CatalogItem) []models.CatalogItem {
	seen := make(map[string]bool, len(items))
	out := make([]models.CatalogItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	return out
}
