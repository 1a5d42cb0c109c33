package detail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ternarybob/colligo/internal/models"
)

// apiBundle mirrors the primary detail endpoint's payload. Prices arrive in
// cents.
type apiBundle struct {
	BundleID            int64   `json:"bundleid"`
	Name                string  `json:"name"`
	FinalPrice          int64   `json:"final_price"`
	InitialPrice        int64   `json:"initial_price"`
	DiscountPercent     int     `json:"discount_percent"`
	FormattedFinalPrice string  `json:"formatted_final_price"`
	FormattedOrigPrice  string  `json:"formatted_orig_price"`
	HeaderImageURL      string  `json:"header_image_url"`
	MainCapsule         string  `json:"main_capsule"`
	LibraryAsset        string  `json:"library_asset"`
	AvailableWindows    bool    `json:"available_windows"`
	AvailableMac        bool    `json:"available_mac"`
	AvailableLinux      bool    `json:"available_linux"`
	AppIDs              []int64 `json:"appids"`
	PackageIDs          []int64 `json:"packageids"`
	ComingSoon          bool    `json:"coming_soon"`
}

// appDetailsResponse mirrors the tertiary per-app endpoint's payload, keyed
// by app id.
type appDetailsResponse map[string]struct {
	Success bool `json:"success"`
	Data    struct {
		Genres []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
		} `json:"genres"`
	} `json:"data"`
}

// fetchPrimary calls the primary detail endpoint for one bundle id. An empty
// kind means success.
func (f *Fetcher) fetchPrimary(ctx context.Context, id string) (*apiBundle, models.FailureKind) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, models.FailureTimeout
	}

	query := url.Values{}
	query.Set("bundleids", id)
	query.Set("cc", f.config.CountryCode)
	query.Set("l", f.config.Locale)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BundleAPIURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, models.FailureExtraction
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if kind := classifyStatus(resp.StatusCode); kind != "" {
		f.logger.Debug().Str("id", id).Int("status", resp.StatusCode).Msg("Primary detail endpoint refused")
		return nil, kind
	}

	var bundles []apiBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundles); err != nil {
		f.logger.Debug().Str("id", id).Err(err).Msg("Primary detail payload undecodable")
		return nil, models.FailureNoData
	}

	if len(bundles) == 0 || bundles[0].Name == "" {
		return nil, models.FailureNoData
	}

	return &bundles[0], ""
}

// fetchFallbackGenres queries the per-app endpoint for each sub-identifier
// and unions the resulting tags. Bounded by MaxFallbackApps; individual app
// failures are skipped, since any tag is better than none.
func (f *Fetcher) fetchFallbackGenres(ctx context.Context, appIDs []string) []string {
	if len(appIDs) > f.scraper.MaxFallbackApps {
		appIDs = appIDs[:f.scraper.MaxFallbackApps]
	}

	seen := make(map[string]bool)
	var genres []string

	for _, appID := range appIDs {
		if err := f.limiter.Wait(ctx); err != nil {
			break
		}

		query := url.Values{}
		query.Set("appids", appID)
		query.Set("l", f.config.Locale)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.AppAPIURL+"?"+query.Encode(), nil)
		if err != nil {
			continue
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			f.logger.Debug().Str("app_id", appID).Err(err).Msg("Fallback app lookup failed")
			continue
		}

		var payload appDetailsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		entry, ok := payload[appID]
		if !ok || !entry.Success {
			continue
		}
		for _, genre := range entry.Data.Genres {
			if genre.Description == "" || seen[genre.Description] {
				continue
			}
			seen[genre.Description] = true
			genres = append(genres, genre.Description)
		}
	}

	return genres
}

// classifyStatus maps HTTP status codes onto the failure taxonomy. Empty
// kind means the status is usable.
func classifyStatus(status int) models.FailureKind {
	switch {
	case status == http.StatusOK:
		return ""
	case status == http.StatusNotFound || status == http.StatusGone:
		return models.FailureNotFound
	case status == http.StatusForbidden:
		return models.FailureBlocked
	case status == http.StatusTooManyRequests:
		return models.FailureRateLimited
	case status >= 500:
		return models.FailureTimeout
	default:
		return models.FailureInvalidPage
	}
}

// classifyTransport maps transport-level errors onto the failure taxonomy.
// Timeouts, resets and DNS failures all land on TIMEOUT, the retryable
// network kind; no transport error is terminal for an item.
func classifyTransport(err error) models.FailureKind {
	return models.FailureTimeout
}

// appIDStrings converts numeric app ids to strings for URL building
func appIDStrings(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}

// bundleURL formats the detail page URL for a bundle id
func (f *Fetcher) bundleURL(id string) string {
	return fmt.Sprintf(f.config.BundlePageURL, id)
}
