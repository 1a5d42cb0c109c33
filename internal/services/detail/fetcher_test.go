package detail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func (c fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

const primaryPayload = `[{
	"bundleid": 232,
	"name": "Valve Complete Pack",
	"final_price": 999,
	"initial_price": 1999,
	"discount_percent": 50,
	"formatted_final_price": "$9.99",
	"formatted_orig_price": "$19.99",
	"header_image_url": "https://cdn.example/header.jpg",
	"available_windows": true,
	"available_mac": true,
	"available_linux": false,
	"appids": [440, 550],
	"packageids": [72]
}]`

func newTestFetcher(t *testing.T, srv *httptest.Server, scraper common.ScraperConfig) *Fetcher {
	t.Helper()

	source := common.SourceConfig{
		BundleAPIURL:   srv.URL + "/api/resolvebundles",
		BundlePageURL:  srv.URL + "/bundle/%s/",
		AppAPIURL:      srv.URL + "/api/appdetails",
		Locale:         "english",
		CountryCode:    "US",
		UserAgent:      "colligo-test",
		RequestTimeout: 5 * time.Second,
		RequestsPerSec: 1000,
	}
	if scraper.MaxAttempts == 0 {
		scraper.MaxAttempts = 2
	}
	if scraper.InitialBackoff == 0 {
		scraper.InitialBackoff = time.Millisecond
	}
	if scraper.MaxFallbackApps == 0 {
		scraper.MaxFallbackApps = 5
	}

	fetcher, err := NewFetcher(source, scraper, fakeClock{now: time.Now()}, common.GetLogger())
	require.NoError(t, err)
	return fetcher
}

func TestFetchDetailSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "232", r.URL.Query().Get("bundleids"))
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bundlePageHTML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	require.True(t, result.Success())
	record := result.Record
	assert.Equal(t, "Valve Complete Pack", record.Name)
	assert.Equal(t, 9.99, record.Price.Final)
	assert.Equal(t, 19.99, record.Price.Original)
	assert.Equal(t, 50, record.Price.Discount)
	assert.Equal(t, "USD", record.Price.Currency)
	assert.True(t, record.Platforms.Windows)
	assert.False(t, record.Platforms.Linux)
	assert.Equal(t, []string{"440", "550"}, record.AppIDs)
	assert.Len(t, record.Games, 2)
	assert.Equal(t, []string{"Action", "Adventure"}, record.Genres)
	assert.Contains(t, record.Description, "classics")
	assert.Equal(t, models.EnrichmentPrimary, record.Source)
	assert.True(t, record.Discount.IsReal)
	assert.False(t, record.Restricted)
}

func TestFetchDetailNotFoundIsTerminal(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 3})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "404404", Name: "Gone"})

	assert.False(t, result.Success())
	assert.Equal(t, models.FailureNotFound, result.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "terminal failures must not be retried")
}

func TestFetchDetailRetriesTransientFailure(t *testing.T) {
	var apiCalls, pageCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&apiCalls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&pageCalls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, bundlePageHTML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 3})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	require.True(t, result.Success())
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))
	assert.Equal(t, "Valve Complete Pack", result.Record.Name)
}

func TestFetchDetailLoginWallProducesRestrictedPlaceholder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?redir=bundle", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>Sign in</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	require.True(t, result.Success())
	assert.True(t, result.Record.Restricted)
	assert.Equal(t, "Valve Complete Pack", result.Record.Name)
	assert.Equal(t, 9.99, result.Record.Price.Final)
}

func TestFetchDetailAgeGateBypass(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("birthtime"); err != nil {
			fmt.Fprint(w, `<html><body><form id="agecheck_form">Enter your date of birth</form></body></html>`)
			return
		}
		fmt.Fprint(w, bundlePageHTML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	require.True(t, result.Success())
	assert.False(t, result.Record.Restricted)
	assert.Equal(t, []string{"Action", "Adventure"}, result.Record.Genres)
}

func TestFetchDetailPersistentAgeGateFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form id="agecheck_form">Enter your date of birth</form></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 1})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	assert.False(t, result.Success())
	assert.Equal(t, models.FailureAgeVerification, result.Kind)
}

func TestFetchDetailPageFailureFailsDespiteAPIData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 1})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	assert.False(t, result.Success())
	assert.Equal(t, models.FailureTimeout, result.Kind)
}

func TestFetchDetailTitleMismatchIsInvalidPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/bundle/999/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bundlePageHTML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 1})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "999", Name: "Totally Unrelated Pack"})

	assert.False(t, result.Success())
	assert.Equal(t, models.FailureInvalidPage, result.Kind)
}

func TestFetchDetailFallbackGenreEnrichment(t *testing.T) {
	pageWithoutGenres := `
<html><body>
<h2 class="pageheader">Valve Complete Pack</h2>
<div class="game_purchase_action">
	<div class="discount_final_price">$9.99</div>
</div>
</body></html>`

	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryPayload)
	})
	mux.HandleFunc("/bundle/232/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageWithoutGenres)
	})
	mux.HandleFunc("/api/appdetails", func(w http.ResponseWriter, r *http.Request) {
		appID := r.URL.Query().Get("appids")
		switch appID {
		case "440":
			fmt.Fprintf(w, `{"%s": {"success": true, "data": {"genres": [{"id": "1", "description": "Action"}]}}}`, appID)
		default:
			fmt.Fprintf(w, `{"%s": {"success": false}}`, appID)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "232", Name: "Valve Complete Pack"})

	require.True(t, result.Success())
	assert.Equal(t, []string{"Action"}, result.Record.Genres)
	assert.Equal(t, models.EnrichmentPrimaryFallback, result.Record.Source)
}

func TestFetchDetailNoDataWhenBothPathsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolvebundles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/bundle/111/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, common.ScraperConfig{MaxAttempts: 1})
	result := fetcher.FetchDetail(context.Background(), models.CatalogItem{ID: "111", Name: "Vanished"})

	assert.False(t, result.Success())
	assert.Equal(t, models.FailureNotFound, result.Kind)
}
