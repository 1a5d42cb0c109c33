package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func listingPage(ids ...int) string {
	var sb strings.Builder
	sb.WriteString("<html><body><div id=\"search_resultsRows\">")
	for _, id := range ids {
		fmt.Fprintf(&sb, `<a href="/bundle/%d/Pack_%d/"><span class="title">Bundle %d</span></a>`, id, id, id)
	}
	sb.WriteString("</div></body></html>")
	return sb.String()
}

func newTestFetcher(t *testing.T, srv *httptest.Server, maxPages int) *Fetcher {
	t.Helper()

	source, err := NewFetcher(common.SourceConfig{
		ListingURL:     srv.URL + "/search/results?category1=996",
		UserAgent:      "colligo-test",
		RequestTimeout: 5 * time.Second,
		PageFanout:     2,
		MaxPages:       maxPages,
		RequestsPerSec: 1000,
	}, common.GetLogger())
	require.NoError(t, err)

	return source.(*Fetcher)
}

func pageParam(r *http.Request) int {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	return page
}

func TestFetchCatalogStopsOnEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch pageParam(r) {
		case 1:
			fmt.Fprint(w, listingPage(1, 2, 3))
		case 2:
			fmt.Fprint(w, listingPage(4, 5))
		default:
			fmt.Fprint(w, listingPage())
		}
	}))
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, 10)
	items, err := fetcher.FetchCatalog(context.Background())

	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "5", items[4].ID)
}

func TestFetchCatalogStopsOnRepeatedPage(t *testing.T) {
	// Upstream pagination loops back to the last page past the end of the
	// catalog; byte-identical content must terminate the walk.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch pageParam(r) {
		case 1:
			fmt.Fprint(w, listingPage(1, 2))
		default:
			fmt.Fprint(w, listingPage(3, 4))
		}
	}))
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, 20)
	items, err := fetcher.FetchCatalog(context.Background())

	require.NoError(t, err)
	require.Len(t, items, 4)
}

func TestFetchCatalogDedupesAcrossPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch pageParam(r) {
		case 1:
			fmt.Fprint(w, listingPage(1, 2, 3))
		case 2:
			fmt.Fprint(w, listingPage(3, 4))
		default:
			fmt.Fprint(w, listingPage())
		}
	}))
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, 10)
	items, err := fetcher.FetchCatalog(context.Background())

	require.NoError(t, err)
	require.Len(t, items, 4)
	seen := make(map[string]bool)
	for _, item := range items {
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		seen[item.ID] = true
	}
}

func TestFetchCatalogAbortsWhenBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pageParam(r) == 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, listingPage(1, 2))
	}))
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, 10)
	_, err := fetcher.FetchCatalog(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestFetchCatalogSkipsFailingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch pageParam(r) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			fmt.Fprint(w, listingPage(1, 2))
		default:
			fmt.Fprint(w, listingPage())
		}
	}))
	defer srv.Close()

	fetcher := newTestFetcher(t, srv, 10)
	items, err := fetcher.FetchCatalog(context.Background())

	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestPageURL(t *testing.T) {
	assert.Equal(t, "https://store.example/search?page=3", pageURL("https://store.example/search", 3))
	assert.Equal(t, "https://store.example/search?category1=996&page=3", pageURL("https://store.example/search?category1=996", 3))
}
